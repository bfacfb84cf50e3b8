// Package multiplexer manages accumulators for multiple runs, keyed by run
// name, and fans queries out to the right one.
package multiplexer

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/runlog/internal/accumulator"
	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/event"
	"github.com/xtxerr/runlog/internal/histogram"
	"github.com/xtxerr/runlog/internal/stats"
	"github.com/xtxerr/runlog/internal/tfevent"
)

// logFilePattern identifies run log files inside a run directory.
const logFilePattern = "*tfevents*"

// DefaultReloadConcurrency bounds how many runs reload at once.
const DefaultReloadConcurrency = 4

// =============================================================================
// Run Entry
// =============================================================================

// runEntry is one registered run. The accumulator is built lazily on first
// access so registering a large directory tree stays cheap.
type runEntry struct {
	path string
	acc  *accumulator.Accumulator
	src  *tfevent.FileSource
}

// =============================================================================
// Multiplexer
// =============================================================================

// Multiplexer holds one accumulator per run. Safe for concurrent use.
type Multiplexer struct {
	mu   sync.RWMutex
	runs map[string]*runEntry

	// Collapses concurrent lazy constructions of the same run.
	group singleflight.Group

	cfg               accumulator.Config
	reloadConcurrency int
	log               *slog.Logger
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithReloadConcurrency sets how many runs ReloadAll drains in parallel.
func WithReloadConcurrency(n int) Option {
	return func(m *Multiplexer) {
		if n > 0 {
			m.reloadConcurrency = n
		}
	}
}

// New creates an empty Multiplexer whose runs use the given accumulator
// configuration.
func New(cfg accumulator.Config, log *slog.Logger, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		runs:              make(map[string]*runEntry),
		cfg:               cfg,
		reloadConcurrency: DefaultReloadConcurrency,
		log:               log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddRun registers a run backed by the given log file. Re-registering an
// existing name with the same path is a no-op; a different path replaces the
// run and drops its accumulated state.
func (m *Multiplexer) AddRun(name, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.runs[name]; ok {
		if cur.path == path {
			return
		}
		if cur.src != nil {
			cur.src.Close()
		}
		m.log.Info("run path changed; resetting run", "run", name, "path", path)
	}
	m.runs[name] = &runEntry{path: path}
}

// AddRunsFromDirectory walks dir and registers every directory containing a
// run log file. The run name is the directory's path relative to dir ("."
// for dir itself). Within a run directory the lexically greatest log file
// wins, matching writer naming that embeds a creation timestamp.
func (m *Multiplexer) AddRunsFromDirectory(dir string) error {
	found := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(logFilePattern, d.Name()); !ok {
			return nil
		}

		runDir := filepath.Dir(path)
		name, err := filepath.Rel(dir, runDir)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)

		if cur, ok := found[name]; !ok || path > cur {
			found[name] = path
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "scan run directory '%s'", dir)
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.AddRun(name, found[name])
	}

	m.log.Info("scanned run directory", "dir", dir, "runs", len(found))
	return nil
}

// Runs returns the sorted set of registered run names.
func (m *Multiplexer) Runs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.runs))
	for name := range m.runs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Accumulator returns the run's accumulator, constructing it on first use.
func (m *Multiplexer) Accumulator(run string) (*accumulator.Accumulator, error) {
	m.mu.RLock()
	entry, ok := m.runs[run]
	if ok && entry.acc != nil {
		m.mu.RUnlock()
		return entry.acc, nil
	}
	m.mu.RUnlock()

	if !ok {
		return nil, errors.NewRunNotFound(run)
	}

	result, err, _ := m.group.Do(run, func() (interface{}, error) {
		return m.construct(run)
	})
	if err != nil {
		return nil, err
	}
	return result.(*accumulator.Accumulator), nil
}

// construct opens the run's log file and builds its accumulator. Called via
// singleflight so only one goroutine constructs a given run.
func (m *Multiplexer) construct(run string) (*accumulator.Accumulator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.runs[run]
	if !ok {
		return nil, errors.NewRunNotFound(run)
	}
	if entry.acc != nil {
		return entry.acc, nil
	}

	src, err := tfevent.NewFileSource(entry.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open run '%s'", run)
	}
	entry.src = src
	entry.acc = accumulator.New(src, m.cfg)

	m.log.Debug("constructed run accumulator", "run", run, "path", entry.path)
	return entry.acc, nil
}

// Reload drains new events for one run.
func (m *Multiplexer) Reload(run string) error {
	acc, err := m.Accumulator(run)
	if err != nil {
		return err
	}
	return acc.Reload()
}

// ReloadAll drains new events for every registered run, a bounded number at
// a time. The first error aborts outstanding reloads and is returned.
func (m *Multiplexer) ReloadAll() error {
	var g errgroup.Group
	g.SetLimit(m.reloadConcurrency)

	for _, run := range m.Runs() {
		run := run
		g.Go(func() error {
			if err := m.Reload(run); err != nil {
				return errors.Wrapf(err, "reload run '%s'", run)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every run's underlying log file.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, entry := range m.runs {
		if entry.src == nil {
			continue
		}
		if err := entry.src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =============================================================================
// Run-Qualified Queries
// =============================================================================

// Tags returns the run's tag index.
func (m *Multiplexer) Tags(run string) (accumulator.TagIndex, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return accumulator.TagIndex{}, err
	}
	return acc.Tags(), nil
}

// Scalars returns the run's scalar records for a tag.
func (m *Multiplexer) Scalars(run, tag string) ([]accumulator.Record[float64], error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.Scalars(tag)
}

// Histograms returns the run's histogram records for a tag.
func (m *Multiplexer) Histograms(run, tag string) ([]accumulator.Record[event.HistogramValue], error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.Histograms(tag)
}

// CompressedHistograms returns the run's compressed histogram records for a
// tag.
func (m *Multiplexer) CompressedHistograms(run, tag string) ([]accumulator.Record[[]histogram.CompressedValue], error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.CompressedHistograms(tag)
}

// Images returns the run's image records for a tag.
func (m *Multiplexer) Images(run, tag string) ([]accumulator.Record[event.ImageValue], error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.Images(tag)
}

// Audio returns the run's audio records for a tag.
func (m *Multiplexer) Audio(run, tag string) ([]accumulator.Record[event.AudioValue], error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.Audio(tag)
}

// Tensors returns the run's tensor records for a tag.
func (m *Multiplexer) Tensors(run, tag string) ([]accumulator.Record[event.TensorValue], error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.Tensors(tag)
}

// Graph returns the run's serialized graph.
func (m *Multiplexer) Graph(run string) ([]byte, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.Graph()
}

// MetaGraph returns the run's serialized meta-graph.
func (m *Multiplexer) MetaGraph(run string) ([]byte, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.MetaGraph()
}

// RunMetadata returns the run's profiling metadata for a tag.
func (m *Multiplexer) RunMetadata(run, tag string) ([]byte, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.RunMetadata(tag)
}

// HealthPills returns the run's health pills for an op.
func (m *Multiplexer) HealthPills(run, op string) ([]accumulator.HealthPill, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return nil, err
	}
	return acc.HealthPills(op)
}

// FirstEventTimestamp returns the wall time of the run's first event.
func (m *Multiplexer) FirstEventTimestamp(run string) (float64, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return 0, err
	}
	return acc.FirstEventTimestamp()
}

// ScalarDistribution returns the run's distribution summary for a scalar
// tag.
func (m *Multiplexer) ScalarDistribution(run, tag string) (stats.Summary, error) {
	acc, err := m.Accumulator(run)
	if err != nil {
		return stats.Summary{}, err
	}
	return acc.ScalarDistribution(tag)
}

// PathForRun returns the registered log file path for a run.
func (m *Multiplexer) PathForRun(run string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.runs[run]
	if !ok {
		return "", errors.NewRunNotFound(run)
	}
	return entry.path, nil
}

// runNameFromPath derives a display name for a bare file registration.
func runNameFromPath(path string) string {
	name := filepath.Base(filepath.Dir(path))
	if name == "." || name == string(filepath.Separator) {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return name
}

// AddRunFromFile registers a single log file, deriving the run name from its
// parent directory.
func (m *Multiplexer) AddRunFromFile(path string) string {
	name := runNameFromPath(path)
	m.AddRun(name, path)
	return name
}
