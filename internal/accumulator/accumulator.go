// Package accumulator maintains restart-aware, per-tag in-memory state
// over an append-only run log.
//
// An Accumulator drains decoded events from an event.Source and indexes
// them by payload kind and tag. The same log may reflect a writer that
// crashed and resumed, re-emitting overlapping or regressed step numbers;
// the accumulator detects both restart signals (explicit session start
// markers in modern logs, per-tag step regression in legacy logs) and
// purges the records the restart made stale.
package accumulator

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/event"
	"github.com/xtxerr/runlog/internal/histogram"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/stats"
	"github.com/xtxerr/runlog/internal/tfevent"
)

// Kind names used in the tag index and in error messages.
const (
	KindScalars              = "scalars"
	KindHistograms           = "histograms"
	KindCompressedHistograms = "compressed_histograms"
	KindImages               = "images"
	KindAudio                = "audio"
	KindTensors              = "tensors"
	KindRunMetadata          = "run_metadata"
)

// Capacities bounds the number of records retained per tag for each kind.
// Zero means unlimited.
type Capacities struct {
	Scalars              int `yaml:"scalars"`
	Histograms           int `yaml:"histograms"`
	CompressedHistograms int `yaml:"compressed_histograms"`
	Images               int `yaml:"images"`
	Audio                int `yaml:"audio"`
	Tensors              int `yaml:"tensors"`
}

// Config configures an Accumulator.
type Config struct {
	// CompressionBasisPoints are the percentile positions (in 1/100ths of
	// a percent, 0-10000) used to compress histograms.
	CompressionBasisPoints []int

	// PurgeOrphanedData enables restart detection and the associated
	// purge of stale records.
	PurgeOrphanedData bool

	// Capacity bounds per-tag retention per kind. Zero means unlimited.
	Capacity Capacities
}

// DefaultConfig returns the default accumulator configuration.
func DefaultConfig() Config {
	return Config{
		CompressionBasisPoints: histogram.DefaultBasisPoints,
		PurgeOrphanedData:      true,
	}
}

// TagIndex is the fixed-shape result of Tags(). Every field is populated
// even when empty; slice fields are never nil.
type TagIndex struct {
	Scalars              []string `json:"scalars"`
	Histograms           []string `json:"histograms"`
	CompressedHistograms []string `json:"compressed_histograms"`
	Images               []string `json:"images"`
	Audio                []string `json:"audio"`
	Tensors              []string `json:"tensors"`
	RunMetadata          []string `json:"run_metadata"`
	Graph                bool     `json:"graph"`
	MetaGraph            bool     `json:"meta_graph"`
}

// unknownFileVersion marks a log that has not declared its format version.
// Such logs predate explicit restart markers and use the legacy purge path.
const unknownFileVersion = -1

// Accumulator ingests events from a Source and serves per-tag query access.
//
// Reload must not be invoked concurrently with itself; queries may run
// concurrently with each other and observe the state as of the last
// completed mutation (an RWMutex serializes the drain against readers).
type Accumulator struct {
	mu     sync.RWMutex
	source event.Source
	cfg    Config
	log    *slog.Logger

	fileVersion float64

	firstWallTime float64
	haveFirst     bool

	scalars     *tagStore[float64]
	histograms  *tagStore[event.HistogramValue]
	compressed  *tagStore[[]histogram.CompressedValue]
	images      *tagStore[event.ImageValue]
	audio       *tagStore[event.AudioValue]
	tensors     *tagStore[event.TensorValue]
	maxSteps    map[string]int64
	graph       []byte
	metaGraph   []byte
	hasGraph    bool
	hasMeta     bool
	runMetadata map[string][]byte

	health        *HealthPillIndex
	distributions *stats.Collection
}

// New creates an Accumulator draining the given source.
func New(source event.Source, cfg Config) *Accumulator {
	if cfg.CompressionBasisPoints == nil {
		cfg.CompressionBasisPoints = histogram.DefaultBasisPoints
	}

	return &Accumulator{
		source:        source,
		cfg:           cfg,
		log:           logging.Component("accumulator"),
		fileVersion:   unknownFileVersion,
		scalars:       newTagStore[float64](cfg.Capacity.Scalars),
		histograms:    newTagStore[event.HistogramValue](cfg.Capacity.Histograms),
		compressed:    newTagStore[[]histogram.CompressedValue](cfg.Capacity.CompressedHistograms),
		images:        newTagStore[event.ImageValue](cfg.Capacity.Images),
		audio:         newTagStore[event.AudioValue](cfg.Capacity.Audio),
		tensors:       newTagStore[event.TensorValue](cfg.Capacity.Tensors),
		maxSteps:      make(map[string]int64),
		runMetadata:   make(map[string][]byte),
		health:        NewHealthPillIndex(),
		distributions: stats.NewCollection(),
	}
}

// Reload drains every event currently available from the source, in order.
// Safe to call repeatedly; each call is incremental over prior state and a
// call with no new events is a no-op.
func (a *Accumulator) Reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		ev, ok, err := a.source.Next()
		if err != nil {
			return errors.Wrap(err, "drain event source")
		}
		if !ok {
			return nil
		}
		a.processEvent(&ev)
	}
}

// FirstEventTimestamp returns the wall time of the log's first event.
//
// If nothing has been read yet, it pulls exactly one event from the source
// and dispatches it through the normal ingestion path so the event is not
// lost to a later Reload. Once any event has been read the cached value is
// returned without touching the source.
func (a *Accumulator) FirstEventTimestamp() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.haveFirst {
		return a.firstWallTime, nil
	}

	ev, ok, err := a.source.Next()
	if err != nil {
		return 0, errors.Wrap(err, "read first event")
	}
	if !ok {
		return 0, errors.ErrNoEventsAvailable
	}

	a.processEvent(&ev)
	return a.firstWallTime, nil
}

// FileVersion returns the log's declared format version, or -1 when the
// log has not declared one.
func (a *Accumulator) FileVersion() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fileVersion
}

// processEvent classifies one event and updates state. Callers hold the
// write lock.
func (a *Accumulator) processEvent(ev *event.Event) {
	if !a.haveFirst {
		a.firstWallTime = ev.WallTime
		a.haveFirst = true
	}

	switch ev.Kind() {
	case event.KindFileVersion:
		a.setFileVersion(*ev.FileVersion)

	case event.KindSessionLog:
		if ev.SessionLog.Status == event.SessionStatusStart && a.cfg.PurgeOrphanedData {
			a.purgeFromStep(ev.Step)
		}

	case event.KindGraph:
		a.graph = cloneBytes(ev.Graph)
		a.hasGraph = true

	case event.KindMetaGraph:
		a.metaGraph = cloneBytes(ev.MetaGraph)
		a.hasMeta = true
		if !a.hasGraph {
			// A meta-graph embeds the graph; surface it when no
			// standalone graph event has arrived.
			if gd, err := tfevent.GraphDefFromMetaGraph(a.metaGraph); err == nil && gd != nil {
				a.graph = gd
				a.hasGraph = true
			}
		}

	case event.KindRunMetadata:
		a.runMetadata[ev.RunMetadata.Tag] = cloneBytes(ev.RunMetadata.Metadata)

	case event.KindTensor:
		if strings.HasPrefix(ev.Tag, HealthPillTagPrefix) {
			a.processHealthPill(ev)
			return
		}
		a.maybePurgeOrphanedData(ev)
		a.tensors.add(ev.Tag, Record[event.TensorValue]{WallTime: ev.WallTime, Step: ev.Step, Value: *ev.Tensor})
		a.noteStep(ev.Tag, ev.Step)

	case event.KindScalar:
		a.maybePurgeOrphanedData(ev)
		a.scalars.add(ev.Tag, Record[float64]{WallTime: ev.WallTime, Step: ev.Step, Value: *ev.Scalar})
		a.distributions.Observe(ev.Tag, *ev.Scalar)
		a.noteStep(ev.Tag, ev.Step)

	case event.KindHistogram:
		a.maybePurgeOrphanedData(ev)
		a.histograms.add(ev.Tag, Record[event.HistogramValue]{WallTime: ev.WallTime, Step: ev.Step, Value: *ev.Histogram})
		compressed := histogram.Compress(ev.Histogram, a.cfg.CompressionBasisPoints)
		a.compressed.add(ev.Tag, Record[[]histogram.CompressedValue]{WallTime: ev.WallTime, Step: ev.Step, Value: compressed})
		a.noteStep(ev.Tag, ev.Step)

	case event.KindImage:
		a.maybePurgeOrphanedData(ev)
		a.images.add(ev.Tag, Record[event.ImageValue]{WallTime: ev.WallTime, Step: ev.Step, Value: *ev.Image})
		a.noteStep(ev.Tag, ev.Step)

	case event.KindAudio:
		a.maybePurgeOrphanedData(ev)
		a.audio.add(ev.Tag, Record[event.AudioValue]{WallTime: ev.WallTime, Step: ev.Step, Value: *ev.Audio})
		a.noteStep(ev.Tag, ev.Step)

	default:
		// Unrecognized or payload-less events are skipped; ingestion
		// continues.
	}
}

// setFileVersion parses a "brain.Event:N" version marker.
func (a *Accumulator) setFileVersion(raw string) {
	parts := strings.Split(raw, ":")
	v, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil {
		a.log.Debug("unparseable file version", "value", raw)
		return
	}
	a.fileVersion = v
}

func (a *Accumulator) processHealthPill(ev *event.Event) {
	pill, err := decodeHealthPill(ev)
	if err != nil {
		a.log.Warn("dropping malformed health pill", "tag", ev.Tag, "error", err)
		return
	}
	a.health.Add(pill)
}

// noteStep records the largest step seen for a tag.
func (a *Accumulator) noteStep(tag string, step int64) {
	if cur, ok := a.maxSteps[tag]; !ok || step > cur {
		a.maxSteps[tag] = step
	}
}

// maybePurgeOrphanedData applies the legacy restart heuristic: in logs
// without explicit restart markers (version < 2), a step regression within
// a tag means the writer restarted and everything at or after the incoming
// step is stale for that tag. Modern logs rely on session start markers
// instead.
func (a *Accumulator) maybePurgeOrphanedData(ev *event.Event) {
	if !a.cfg.PurgeOrphanedData {
		return
	}
	if a.fileVersion >= 2 {
		return
	}

	maxStep, ok := a.maxSteps[ev.Tag]
	if !ok || ev.Step >= maxStep {
		return
	}

	removed := a.purgeTagFromStep(ev.Tag, ev.Step)
	a.log.Warn("detected out-of-order step; purging expired records",
		"tag", ev.Tag, "step", ev.Step, "max_step", maxStep, "removed", removed)
	delete(a.maxSteps, ev.Tag)
}

// purgeTagFromStep removes one tag's records with step >= minStep across
// every kind and rebuilds the tag's scalar distribution.
func (a *Accumulator) purgeTagFromStep(tag string, minStep int64) int {
	removed := a.scalars.purgeTag(tag, minStep)
	removed += a.histograms.purgeTag(tag, minStep)
	removed += a.compressed.purgeTag(tag, minStep)
	removed += a.images.purgeTag(tag, minStep)
	removed += a.audio.purgeTag(tag, minStep)
	removed += a.tensors.purgeTag(tag, minStep)

	a.rebuildDistribution(tag)
	return removed
}

// purgeFromStep removes records with step >= minStep across every tag and
// kind, then recomputes per-tag step ceilings and scalar distributions.
func (a *Accumulator) purgeFromStep(minStep int64) {
	removed := a.scalars.purgeAll(minStep)
	removed += a.histograms.purgeAll(minStep)
	removed += a.compressed.purgeAll(minStep)
	removed += a.images.purgeAll(minStep)
	removed += a.audio.purgeAll(minStep)
	removed += a.tensors.purgeAll(minStep)

	a.maxSteps = make(map[string]int64)
	a.recomputeMaxSteps()

	for _, tag := range a.scalars.tags() {
		a.rebuildDistribution(tag)
	}

	a.log.Info("session start marker; purged records at or after step",
		"step", minStep, "removed", removed)
}

// recomputeMaxSteps rescans the stores after a global purge.
func (a *Accumulator) recomputeMaxSteps() {
	note := func(tag string, step int64, ok bool) {
		if !ok {
			return
		}
		if cur, seen := a.maxSteps[tag]; !seen || step > cur {
			a.maxSteps[tag] = step
		}
	}
	for _, tag := range a.scalars.tags() {
		s, ok := a.scalars.maxStep(tag)
		note(tag, s, ok)
	}
	for _, tag := range a.histograms.tags() {
		s, ok := a.histograms.maxStep(tag)
		note(tag, s, ok)
	}
	for _, tag := range a.images.tags() {
		s, ok := a.images.maxStep(tag)
		note(tag, s, ok)
	}
	for _, tag := range a.audio.tags() {
		s, ok := a.audio.maxStep(tag)
		note(tag, s, ok)
	}
	for _, tag := range a.tensors.tags() {
		s, ok := a.tensors.maxStep(tag)
		note(tag, s, ok)
	}
}

// rebuildDistribution re-derives a tag's scalar distribution from its
// surviving records.
func (a *Accumulator) rebuildDistribution(tag string) {
	a.distributions.Reset(tag)
	if recs, ok := a.scalars.list(tag); ok {
		for _, rec := range recs {
			a.distributions.Observe(tag, rec.Value)
		}
	}
}

// ============================================================================
// Query surface
// ============================================================================

// Tags returns the full tag index. Every kind key is present even when
// empty; callers depend on the fixed shape.
func (a *Accumulator) Tags() TagIndex {
	a.mu.RLock()
	defer a.mu.RUnlock()

	runMeta := make([]string, 0, len(a.runMetadata))
	for tag := range a.runMetadata {
		runMeta = append(runMeta, tag)
	}
	sort.Strings(runMeta)

	return TagIndex{
		Scalars:              a.scalars.tags(),
		Histograms:           a.histograms.tags(),
		CompressedHistograms: a.compressed.tags(),
		Images:               a.images.tags(),
		Audio:                a.audio.tags(),
		Tensors:              a.tensors.tags(),
		RunMetadata:          runMeta,
		Graph:                a.hasGraph,
		MetaGraph:            a.hasMeta,
	}
}

// Scalars returns the tag's scalar records in arrival order.
func (a *Accumulator) Scalars(tag string) ([]Record[float64], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs, ok := a.scalars.list(tag)
	if !ok {
		return nil, errors.NewTagNotFound(KindScalars, tag)
	}
	return recs, nil
}

// Histograms returns the tag's histogram records in arrival order.
func (a *Accumulator) Histograms(tag string) ([]Record[event.HistogramValue], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs, ok := a.histograms.list(tag)
	if !ok {
		return nil, errors.NewTagNotFound(KindHistograms, tag)
	}
	return recs, nil
}

// CompressedHistograms returns the tag's compressed histogram records.
func (a *Accumulator) CompressedHistograms(tag string) ([]Record[[]histogram.CompressedValue], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs, ok := a.compressed.list(tag)
	if !ok {
		return nil, errors.NewTagNotFound(KindCompressedHistograms, tag)
	}
	return recs, nil
}

// Images returns the tag's image records in arrival order.
func (a *Accumulator) Images(tag string) ([]Record[event.ImageValue], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs, ok := a.images.list(tag)
	if !ok {
		return nil, errors.NewTagNotFound(KindImages, tag)
	}
	return recs, nil
}

// Audio returns the tag's audio records in arrival order.
func (a *Accumulator) Audio(tag string) ([]Record[event.AudioValue], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs, ok := a.audio.list(tag)
	if !ok {
		return nil, errors.NewTagNotFound(KindAudio, tag)
	}
	return recs, nil
}

// Tensors returns the tag's tensor records in arrival order.
func (a *Accumulator) Tensors(tag string) ([]Record[event.TensorValue], error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs, ok := a.tensors.list(tag)
	if !ok {
		return nil, errors.NewTagNotFound(KindTensors, tag)
	}
	return recs, nil
}

// Graph returns a copy of the run's serialized graph.
func (a *Accumulator) Graph() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasGraph {
		return nil, errors.Wrap(errors.ErrNotFound, "graph")
	}
	return cloneBytes(a.graph), nil
}

// MetaGraph returns a copy of the run's serialized meta-graph.
func (a *Accumulator) MetaGraph() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasMeta {
		return nil, errors.Wrap(errors.ErrNotFound, "meta graph")
	}
	return cloneBytes(a.metaGraph), nil
}

// RunMetadata returns a copy of the metadata recorded under the tag.
func (a *Accumulator) RunMetadata(tag string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	blob, ok := a.runMetadata[tag]
	if !ok {
		return nil, errors.NewTagNotFound(KindRunMetadata, tag)
	}
	return cloneBytes(blob), nil
}

// HealthPills returns every pill recorded for the op across all devices,
// in arrival order.
func (a *Accumulator) HealthPills(op string) ([]HealthPill, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pills, ok := a.health.Pills(op)
	if !ok {
		return nil, errors.Wrapf(errors.ErrOpNotFound, "health pills for '%s'", op)
	}
	return pills, nil
}

// OpsWithHealthPills returns the distinct op names with recorded pills.
func (a *Accumulator) OpsWithHealthPills() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.health.Ops()
}

// ScalarDistribution returns the running distribution summary for a scalar
// tag.
func (a *Accumulator) ScalarDistribution(tag string) (stats.Summary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.distributions.Summary(tag)
	if !ok {
		return stats.Summary{}, errors.NewTagNotFound(KindScalars, tag)
	}
	return s, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
