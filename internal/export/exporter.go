package export

import (
	"log/slog"
	"path/filepath"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/multiplexer"
)

// File names produced inside the export directory.
const (
	ScalarFileName     = "scalars.parquet"
	PercentileFileName = "percentiles.parquet"
)

// Result summarizes one export.
type Result struct {
	ScalarRows     int64
	PercentileRows int64
	ScalarPath     string
	PercentilePath string
}

// Exporter snapshots every run's scalar and compressed histogram data into a
// pair of Parquet files.
type Exporter struct {
	mux  *multiplexer.Multiplexer
	dir  string
	opts Options
	log  *slog.Logger
}

// NewExporter creates an exporter writing into dir.
func NewExporter(mux *multiplexer.Multiplexer, dir string, opts Options) *Exporter {
	return &Exporter{
		mux:  mux,
		dir:  dir,
		opts: opts,
		log:  logging.Component("export"),
	}
}

// Export writes the current state of every registered run. Each call
// replaces the previous snapshot.
func (e *Exporter) Export() (Result, error) {
	result := Result{
		ScalarPath:     filepath.Join(e.dir, ScalarFileName),
		PercentilePath: filepath.Join(e.dir, PercentileFileName),
	}

	sw, err := NewScalarWriter(result.ScalarPath, e.opts)
	if err != nil {
		return result, err
	}
	pw, err := NewPercentileWriter(result.PercentilePath, e.opts)
	if err != nil {
		sw.Close()
		return result, err
	}

	for _, run := range e.mux.Runs() {
		if err := e.exportRun(run, sw, pw); err != nil {
			sw.Close()
			pw.Close()
			return result, errors.Wrapf(err, "export run '%s'", run)
		}
	}

	if err := sw.Close(); err != nil {
		pw.Close()
		return result, err
	}
	if err := pw.Close(); err != nil {
		return result, err
	}

	result.ScalarRows = sw.RowCount()
	result.PercentileRows = pw.RowCount()

	e.log.Info("exported run snapshot",
		"dir", e.dir,
		"scalar_rows", result.ScalarRows,
		"percentile_rows", result.PercentileRows)
	return result, nil
}

// exportRun writes one run's rows into the open writers.
func (e *Exporter) exportRun(run string, sw *ScalarWriter, pw *PercentileWriter) error {
	idx, err := e.mux.Tags(run)
	if err != nil {
		return err
	}

	for _, tag := range idx.Scalars {
		recs, err := e.mux.Scalars(run, tag)
		if err != nil {
			return err
		}
		rows := make([]ScalarRow, len(recs))
		for i, rec := range recs {
			rows[i] = ScalarRow{
				Run:      run,
				Tag:      tag,
				WallTime: rec.WallTime,
				Step:     rec.Step,
				Value:    rec.Value,
			}
		}
		if err := sw.Write(rows); err != nil {
			return err
		}
	}

	for _, tag := range idx.CompressedHistograms {
		recs, err := e.mux.CompressedHistograms(run, tag)
		if err != nil {
			return err
		}
		var rows []PercentileRow
		for _, rec := range recs {
			for _, cv := range rec.Value {
				rows = append(rows, PercentileRow{
					Run:        run,
					Tag:        tag,
					WallTime:   rec.WallTime,
					Step:       rec.Step,
					BasisPoint: int32(cv.BasisPoint),
					Value:      cv.Value,
				})
			}
		}
		if err := pw.Write(rows); err != nil {
			return err
		}
	}

	return nil
}
