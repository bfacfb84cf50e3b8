// Package query provides SQL access over exported Parquet snapshots.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/export"
)

// Service queries exported Parquet files through an in-memory DuckDB
// database.
type Service struct {
	mu sync.RWMutex

	db     *sql.DB
	dir    string
	closed bool

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// ScalarQuery defines parameters for querying scalar rows.
type ScalarQuery struct {
	Run     string
	Tag     string
	MinStep int64
	MaxStep int64 // 0 means unbounded
	Limit   int
}

// PercentileQuery defines parameters for querying percentile rows.
type PercentileQuery struct {
	Run        string
	Tag        string
	BasisPoint int // -1 means all basis points
	Limit      int
}

// New creates a query service over the export directory.
func New(dir, memoryLimit string) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open duckdb")
	}

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", memoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set memory limit")
		}
	}

	return &Service{
		db:  db,
		dir: dir,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// snapshotPath resolves a snapshot file inside the export directory. A
// missing file is not an error; the exporter may simply not have run yet.
func (s *Service) snapshotPath(name string) (string, bool, error) {
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		s.countError()
		return "", false, errors.Wrap(err, "stat snapshot")
	}
	return path, true, nil
}

// QueryScalars queries exported scalar rows.
func (s *Service) QueryScalars(ctx context.Context, q ScalarQuery) ([]export.ScalarRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrQueryClosed
	}

	maxStep := q.MaxStep
	if maxStep <= 0 {
		maxStep = 1<<63 - 1
	}

	path, ok, err := s.snapshotPath(export.ScalarFileName)
	if err != nil {
		return nil, err
	}
	if !ok {
		// No snapshot yet; nothing to return.
		return nil, nil
	}

	query := `
		SELECT run, tag, wall_time, step, value
		FROM read_parquet($1)
		WHERE run = $2
		  AND tag = $3
		  AND step >= $4
		  AND step <= $5
		ORDER BY step, wall_time
	`

	rows, err := s.db.QueryContext(ctx, query, path, q.Run, q.Tag, q.MinStep, maxStep)
	if err != nil {
		s.countError()
		return nil, errors.Wrap(err, "query scalars")
	}
	defer rows.Close()

	var results []export.ScalarRow
	for rows.Next() {
		var r export.ScalarRow
		if err := rows.Scan(&r.Run, &r.Tag, &r.WallTime, &r.Step, &r.Value); err != nil {
			s.countError()
			return nil, errors.Wrap(err, "scan row")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		s.countError()
		return nil, err
	}

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	s.countQuery(len(results))
	return results, nil
}

// QueryPercentiles queries exported percentile rows.
func (s *Service) QueryPercentiles(ctx context.Context, q PercentileQuery) ([]export.PercentileRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrQueryClosed
	}

	minBP, maxBP := q.BasisPoint, q.BasisPoint
	if q.BasisPoint < 0 {
		minBP, maxBP = 0, 10000
	}

	path, ok, err := s.snapshotPath(export.PercentileFileName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	query := `
		SELECT run, tag, wall_time, step, basis_point, value
		FROM read_parquet($1)
		WHERE run = $2
		  AND tag = $3
		  AND basis_point >= $4
		  AND basis_point <= $5
		ORDER BY step, basis_point
	`

	rows, err := s.db.QueryContext(ctx, query, path, q.Run, q.Tag, minBP, maxBP)
	if err != nil {
		s.countError()
		return nil, errors.Wrap(err, "query percentiles")
	}
	defer rows.Close()

	var results []export.PercentileRow
	for rows.Next() {
		var r export.PercentileRow
		if err := rows.Scan(&r.Run, &r.Tag, &r.WallTime, &r.Step, &r.BasisPoint, &r.Value); err != nil {
			s.countError()
			return nil, errors.Wrap(err, "scan row")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		s.countError()
		return nil, err
	}

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	s.countQuery(len(results))
	return results, nil
}

// ExecuteSQL executes a raw SQL query. Useful for ad-hoc queries in the
// shell; read_parquet over the export directory is available.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrQueryClosed
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.countError()
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.countQuery(len(results))
	return results, rows.Err()
}

// Dir returns the export directory this service reads.
func (s *Service) Dir() string {
	return s.dir
}

// Stats returns query statistics.
func (s *Service) ServiceStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Service) countQuery(rows int) {
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(rows)
}

func (s *Service) countError() {
	s.stats.Errors++
}
