package accumulator

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/event"
)

// sliceSource feeds a fixed event sequence and counts reads, so tests can
// assert exactly how much of the source an operation consumed.
type sliceSource struct {
	events []event.Event
	pos    int
	reads  int
}

func (s *sliceSource) Next() (event.Event, bool, error) {
	if s.pos >= len(s.events) {
		return event.Event{}, false, nil
	}
	ev := s.events[s.pos]
	s.pos++
	s.reads++
	return ev, true, nil
}

func (s *sliceSource) add(evs ...event.Event) {
	s.events = append(s.events, evs...)
}

func scalarEv(tag string, wallTime float64, step int64, value float64) event.Event {
	return event.Event{WallTime: wallTime, Step: step, Tag: tag, Scalar: &value}
}

func histogramEv(tag string, wallTime float64, step int64) event.Event {
	return event.Event{
		WallTime: wallTime, Step: step, Tag: tag,
		Histogram: &event.HistogramValue{
			Min: 1, Max: 2, Num: 3, Sum: 4, SumSquares: 5,
			BucketLimit: []float64{1, 2, 3},
			Bucket:      []float64{0, 3, 0},
		},
	}
}

func fileVersionEv(version string) event.Event {
	return event.Event{FileVersion: &version}
}

func sessionStartEv(wallTime float64, step int64) event.Event {
	return event.Event{
		WallTime: wallTime, Step: step,
		SessionLog: &event.SessionLog{Status: event.SessionStatusStart},
	}
}

func mustReload(t *testing.T, acc *Accumulator) {
	t.Helper()
	if err := acc.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func scalarSteps(t *testing.T, acc *Accumulator, tag string) []int64 {
	t.Helper()
	recs, err := acc.Scalars(tag)
	if err != nil {
		t.Fatalf("scalars(%s): %v", tag, err)
	}
	steps := make([]int64, len(recs))
	for i, rec := range recs {
		steps[i] = rec.Step
	}
	return steps
}

func stepsEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEmptyAccumulator(t *testing.T) {
	acc := New(&sliceSource{}, DefaultConfig())
	mustReload(t, acc)

	idx := acc.Tags()
	if idx.Scalars == nil || idx.Histograms == nil || idx.CompressedHistograms == nil ||
		idx.Images == nil || idx.Audio == nil || idx.Tensors == nil || idx.RunMetadata == nil {
		t.Errorf("tag index slices must be non-nil: %+v", idx)
	}
	if len(idx.Scalars) != 0 || idx.Graph || idx.MetaGraph {
		t.Errorf("expected empty index, got %+v", idx)
	}

	if _, err := acc.Scalars("missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
	if _, err := acc.Graph(); !errors.IsNotFound(err) {
		t.Errorf("expected not-found graph, got %v", err)
	}
	if _, err := acc.FirstEventTimestamp(); !errors.Is(err, errors.ErrNoEventsAvailable) {
		t.Errorf("expected no-events error, got %v", err)
	}
}

func TestTagsIndexShape(t *testing.T) {
	src := &sliceSource{}
	src.add(
		scalarEv("s3", 1, 10, 32),
		scalarEv("s1", 1, 10, 32),
		histogramEv("hst1", 2, 10),
		event.Event{WallTime: 3, Step: 10, Tag: "im1",
			Image: &event.ImageValue{Width: 1, Height: 1, EncodedString: []byte("big")}},
		event.Event{WallTime: 4, Step: 10, Tag: "snd1",
			Audio: &event.AudioValue{SampleRate: 8000, EncodedString: []byte("snd")}},
		event.Event{WallTime: 5,
			RunMetadata: &event.TaggedRunMetadata{Tag: "test run", Metadata: []byte{1}}},
		event.Event{WallTime: 6, Graph: []byte("graph")},
	)

	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	idx := acc.Tags()
	if len(idx.Scalars) != 2 || idx.Scalars[0] != "s1" || idx.Scalars[1] != "s3" {
		t.Errorf("expected sorted scalar tags [s1 s3], got %v", idx.Scalars)
	}
	if len(idx.Histograms) != 1 || idx.Histograms[0] != "hst1" {
		t.Errorf("unexpected histogram tags: %v", idx.Histograms)
	}
	if len(idx.CompressedHistograms) != 1 || idx.CompressedHistograms[0] != "hst1" {
		t.Errorf("unexpected compressed tags: %v", idx.CompressedHistograms)
	}
	if len(idx.Images) != 1 || len(idx.Audio) != 1 {
		t.Errorf("unexpected media tags: %+v", idx)
	}
	if len(idx.RunMetadata) != 1 || idx.RunMetadata[0] != "test run" {
		t.Errorf("unexpected run metadata tags: %v", idx.RunMetadata)
	}
	if !idx.Graph || idx.MetaGraph {
		t.Errorf("unexpected graph flags: %+v", idx)
	}
}

func TestScalarsArrivalOrder(t *testing.T) {
	src := &sliceSource{}
	src.add(
		scalarEv("s1", 1, 10, 32),
		scalarEv("s1", 2, 20, 64),
		scalarEv("s1", 3, 30, 128),
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	recs, err := acc.Scalars("s1")
	if err != nil {
		t.Fatalf("scalars: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Value != 32 || recs[1].Value != 64 || recs[2].Value != 128 {
		t.Errorf("unexpected values: %+v", recs)
	}
	if recs[0].WallTime != 1 || recs[2].Step != 30 {
		t.Errorf("unexpected envelopes: %+v", recs)
	}
}

func TestReloadIsIncremental(t *testing.T) {
	src := &sliceSource{}
	src.add(scalarEv("s1", 1, 10, 32))

	acc := New(src, DefaultConfig())
	mustReload(t, acc)
	mustReload(t, acc)

	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{10}) {
		t.Errorf("repeated reload duplicated records: %v", steps)
	}

	src.add(scalarEv("s1", 2, 20, 64))
	mustReload(t, acc)
	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{10, 20}) {
		t.Errorf("expected incremental pickup, got %v", steps)
	}
}

func TestLegacyRestartPurgesRegressedTag(t *testing.T) {
	src := &sliceSource{}
	src.add(
		scalarEv("s1", 1, 100, 1),
		scalarEv("s1", 2, 200, 2),
		scalarEv("s1", 3, 300, 3),
		scalarEv("s2", 4, 101, 4),
		// Writer restart: s1 regresses to step 101.
		scalarEv("s1", 5, 101, 5),
		scalarEv("s1", 6, 201, 6),
		scalarEv("s1", 7, 301, 7),
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{100, 101, 201, 301}) {
		t.Errorf("expected purge of steps >= 101, got %v", steps)
	}
	// The regression only affects its own tag.
	if steps := scalarSteps(t, acc, "s2"); !stepsEqual(steps, []int64{101}) {
		t.Errorf("s2 should be untouched, got %v", steps)
	}
}

func TestLegacyRestartPurgesAcrossKindsForTag(t *testing.T) {
	src := &sliceSource{}
	src.add(
		scalarEv("mixed", 1, 100, 1),
		histogramEv("mixed", 2, 200),
		scalarEv("mixed", 3, 150, 2),
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	if steps := scalarSteps(t, acc, "mixed"); !stepsEqual(steps, []int64{100, 150}) {
		t.Errorf("unexpected scalar steps: %v", steps)
	}
	hrecs, err := acc.Histograms("mixed")
	if err != nil {
		t.Fatalf("histograms: %v", err)
	}
	if len(hrecs) != 0 {
		t.Errorf("histogram at step 200 should be purged, got %d records", len(hrecs))
	}
	crecs, err := acc.CompressedHistograms("mixed")
	if err != nil {
		t.Fatalf("compressed: %v", err)
	}
	if len(crecs) != 0 {
		t.Errorf("compressed histogram should be purged, got %d records", len(crecs))
	}
}

func TestPurgeDisabledKeepsEverything(t *testing.T) {
	src := &sliceSource{}
	src.add(
		scalarEv("s1", 1, 100, 1),
		scalarEv("s1", 2, 200, 2),
		scalarEv("s1", 3, 300, 3),
		scalarEv("s1", 4, 101, 4),
		scalarEv("s1", 5, 201, 5),
		scalarEv("s1", 6, 301, 6),
	)
	cfg := DefaultConfig()
	cfg.PurgeOrphanedData = false
	acc := New(src, cfg)
	mustReload(t, acc)

	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{100, 200, 300, 101, 201, 301}) {
		t.Errorf("expected all records retained, got %v", steps)
	}
}

func TestSessionStartPurgesAllTags(t *testing.T) {
	src := &sliceSource{}
	src.add(
		fileVersionEv("brain.Event:2"),
		scalarEv("s1", 1, 100, 1),
		scalarEv("s1", 2, 200, 2),
		scalarEv("s1", 3, 300, 3),
		scalarEv("s2", 4, 101, 4),
		scalarEv("s2", 5, 201, 5),
		scalarEv("s2", 6, 301, 6),
		sessionStartEv(7, 201),
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{100, 200}) {
		t.Errorf("expected s1 [100 200], got %v", steps)
	}
	if steps := scalarSteps(t, acc, "s2"); !stepsEqual(steps, []int64{101}) {
		t.Errorf("expected s2 [101], got %v", steps)
	}

	// Emptied tags still appear in the index.
	src.add(sessionStartEv(8, 0))
	mustReload(t, acc)
	if steps := scalarSteps(t, acc, "s1"); len(steps) != 0 {
		t.Errorf("expected s1 fully purged, got %v", steps)
	}
	idx := acc.Tags()
	if len(idx.Scalars) != 2 {
		t.Errorf("purged tags must remain listed: %v", idx.Scalars)
	}
}

func TestModernLogIgnoresStepRegression(t *testing.T) {
	src := &sliceSource{}
	src.add(
		fileVersionEv("brain.Event:2"),
		scalarEv("s1", 1, 100, 1),
		scalarEv("s1", 2, 300, 2),
		scalarEv("s1", 3, 200, 3),
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	if acc.FileVersion() != 2 {
		t.Fatalf("expected file version 2, got %v", acc.FileVersion())
	}
	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{100, 300, 200}) {
		t.Errorf("regression must not purge in a versioned log, got %v", steps)
	}
}

func TestTagLookupDoesNotCrossKinds(t *testing.T) {
	src := &sliceSource{}
	src.add(scalarEv("s1", 1, 10, 32))
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	if _, err := acc.Histograms("s1"); !errors.IsNotFound(err) {
		t.Errorf("scalar tag must not resolve as histogram, got %v", err)
	}
	if _, err := acc.Images("s1"); !errors.IsNotFound(err) {
		t.Errorf("scalar tag must not resolve as image, got %v", err)
	}
	if _, err := acc.Scalars("s1"); err != nil {
		t.Errorf("scalar lookup failed: %v", err)
	}
}

func TestFirstEventTimestamp(t *testing.T) {
	src := &sliceSource{}
	src.add(
		scalarEv("s1", 30, 2, 0),
		scalarEv("s1", 40, 3, 0),
	)
	acc := New(src, DefaultConfig())

	ts, err := acc.FirstEventTimestamp()
	if err != nil {
		t.Fatalf("first timestamp: %v", err)
	}
	if ts != 30 {
		t.Errorf("expected 30, got %v", ts)
	}
	if src.reads != 1 {
		t.Errorf("expected exactly one read, got %d", src.reads)
	}

	// The pulled event is not lost to the subsequent drain.
	mustReload(t, acc)
	if steps := scalarSteps(t, acc, "s1"); !stepsEqual(steps, []int64{2, 3}) {
		t.Errorf("expected both records, got %v", steps)
	}

	// Cached afterwards.
	reads := src.reads
	if ts, err = acc.FirstEventTimestamp(); err != nil || ts != 30 {
		t.Errorf("cached lookup: ts=%v err=%v", ts, err)
	}
	if src.reads != reads {
		t.Errorf("cached lookup must not touch the source")
	}
}

func TestFirstEventTimestampAfterReload(t *testing.T) {
	src := &sliceSource{}
	src.add(scalarEv("s1", 5, 100, 0))
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	reads := src.reads
	ts, err := acc.FirstEventTimestamp()
	if err != nil {
		t.Fatalf("first timestamp: %v", err)
	}
	if ts != 5 {
		t.Errorf("expected 5, got %v", ts)
	}
	if src.reads != reads {
		t.Errorf("timestamp after reload must not read the source")
	}
}

func TestFirstEventTimestampRetriesAfterEmpty(t *testing.T) {
	src := &sliceSource{}
	acc := New(src, DefaultConfig())

	if _, err := acc.FirstEventTimestamp(); !errors.Is(err, errors.ErrNoEventsAvailable) {
		t.Fatalf("expected no-events error, got %v", err)
	}

	// A failed probe is not cached; the next call sees new data.
	src.add(scalarEv("s1", 7, 1, 0))
	ts, err := acc.FirstEventTimestamp()
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ts != 7 {
		t.Errorf("expected 7, got %v", ts)
	}
}

func TestGraphFromMetaGraph(t *testing.T) {
	graph := []byte("serialized-graph")
	// MetaGraphDef with only field 2 (graph_def).
	mg := append([]byte{0x12, byte(len(graph))}, graph...)

	src := &sliceSource{}
	src.add(event.Event{WallTime: 1, MetaGraph: mg})
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	got, err := acc.Graph()
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if string(got) != string(graph) {
		t.Errorf("expected embedded graph, got %q", got)
	}
	if _, err := acc.MetaGraph(); err != nil {
		t.Errorf("meta graph: %v", err)
	}
	idx := acc.Tags()
	if !idx.Graph || !idx.MetaGraph {
		t.Errorf("expected both graph flags set: %+v", idx)
	}
}

func TestStandaloneGraphWinsOverMetaGraph(t *testing.T) {
	graph := []byte("real-graph")
	embedded := []byte("embedded")
	mg := append([]byte{0x12, byte(len(embedded))}, embedded...)

	src := &sliceSource{}
	src.add(
		event.Event{WallTime: 1, Graph: graph},
		event.Event{WallTime: 2, MetaGraph: mg},
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	got, err := acc.Graph()
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if string(got) != string(graph) {
		t.Errorf("standalone graph must not be replaced, got %q", got)
	}
}

func TestRunMetadataOverwrite(t *testing.T) {
	src := &sliceSource{}
	src.add(
		event.Event{WallTime: 1, RunMetadata: &event.TaggedRunMetadata{Tag: "step9", Metadata: []byte("old")}},
		event.Event{WallTime: 2, RunMetadata: &event.TaggedRunMetadata{Tag: "step9", Metadata: []byte("new")}},
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	got, err := acc.RunMetadata("step9")
	if err != nil {
		t.Fatalf("run metadata: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("expected latest metadata, got %q", got)
	}
	if _, err := acc.RunMetadata("missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func healthPillContent(stats []float64, dtype, ndims float64, shape ...float64) []byte {
	elements := append(append(append([]float64{}, stats...), dtype, ndims), shape...)
	out := make([]byte, len(elements)*8)
	for i, v := range elements {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func TestHealthPills(t *testing.T) {
	stats := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	src := &sliceSource{}
	src.add(
		event.Event{
			WallTime: 1, Step: 7, Tag: HealthPillTagPrefix + "/job:localhost/cpu:0",
			Tensor: &event.TensorValue{
				NodeName: "MatMul:0:DebugNumericSummary",
				Content:  healthPillContent(stats, 1, 2, 3, 4),
			},
		},
		event.Event{
			WallTime: 2, Step: 7, Tag: HealthPillTagPrefix + "/job:localhost/gpu:0",
			Tensor: &event.TensorValue{
				NodeName: "MatMul:1:DebugNumericSummary",
				Content:  healthPillContent(stats, 2, 0),
			},
		},
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	pills, err := acc.HealthPills("MatMul")
	if err != nil {
		t.Fatalf("health pills: %v", err)
	}
	if len(pills) != 2 {
		t.Fatalf("expected 2 pills, got %d", len(pills))
	}

	p := pills[0]
	if p.Device != "/job:localhost/cpu:0" {
		t.Errorf("unexpected device: %s", p.Device)
	}
	if p.NodeName != "MatMul" || p.OutputSlot != 0 {
		t.Errorf("unexpected identity: %+v", p)
	}
	if p.DType != "tf.float32" {
		t.Errorf("unexpected dtype: %s", p.DType)
	}
	if len(p.Shape) != 2 || p.Shape[0] != 3 || p.Shape[1] != 4 {
		t.Errorf("unexpected shape: %v", p.Shape)
	}
	if len(p.Value) < healthPillStatsCount || p.Value[0] != 1 || p.Value[11] != 12 {
		t.Errorf("unexpected stats: %v", p.Value)
	}
	if pills[1].OutputSlot != 1 || pills[1].DType != "tf.float64" {
		t.Errorf("unexpected second pill: %+v", pills[1])
	}

	// Health pills live outside the tensor stores.
	idx := acc.Tags()
	if len(idx.Tensors) != 0 {
		t.Errorf("health pills must not surface as tensor tags: %v", idx.Tensors)
	}
	if ops := acc.OpsWithHealthPills(); len(ops) != 1 || ops[0] != "MatMul" {
		t.Errorf("unexpected ops: %v", ops)
	}
	if _, err := acc.HealthPills("Conv2D"); !errors.Is(err, errors.ErrOpNotFound) {
		t.Errorf("expected op-not-found, got %v", err)
	}
}

func TestScalarDistribution(t *testing.T) {
	src := &sliceSource{}
	for i := 1; i <= 100; i++ {
		src.add(scalarEv("loss", float64(i), int64(i), float64(i)))
	}
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	sum, err := acc.ScalarDistribution("loss")
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if sum.Count != 100 || sum.Min != 1 || sum.Max != 100 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if sum.P50 < 40 || sum.P50 > 60 {
		t.Errorf("p50 out of range: %v", sum.P50)
	}
	if _, err := acc.ScalarDistribution("missing"); !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestSessionStartRebuildsDistribution(t *testing.T) {
	src := &sliceSource{}
	src.add(
		fileVersionEv("brain.Event:2"),
		scalarEv("loss", 1, 1, 10),
		scalarEv("loss", 2, 2, 1000),
		sessionStartEv(3, 2),
	)
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	sum, err := acc.ScalarDistribution("loss")
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if sum.Count != 1 || sum.Max != 10 {
		t.Errorf("distribution must reflect surviving records: %+v", sum)
	}
}

func TestHistogramWithoutBucketLimits(t *testing.T) {
	// A histogram record can carry bucket counts without matching limits.
	// It must compress to the minimum and never abort the drain.
	src := &sliceSource{}
	src.add(
		event.Event{
			WallTime: 1, Step: 1, Tag: "weights",
			Histogram: &event.HistogramValue{Min: 3, Max: 9, Num: 1, Bucket: []float64{1}},
		},
		scalarEv("loss", 2, 1, 0.5),
	)

	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	recs, err := acc.CompressedHistograms("weights")
	if err != nil {
		t.Fatalf("compressed histograms: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	for _, cv := range recs[0].Value {
		if cv.Value != 3 {
			t.Errorf("bp %d: expected 3, got %v", cv.BasisPoint, cv.Value)
		}
	}
	if got := scalarSteps(t, acc, "loss"); len(got) != 1 {
		t.Errorf("expected the scalar after the histogram to survive, got %v", got)
	}
}

func TestQueryResultsAreCopies(t *testing.T) {
	src := &sliceSource{}
	src.add(scalarEv("s1", 1, 10, 32))
	acc := New(src, DefaultConfig())
	mustReload(t, acc)

	recs, err := acc.Scalars("s1")
	if err != nil {
		t.Fatalf("scalars: %v", err)
	}
	recs[0].Value = -1

	again, err := acc.Scalars("s1")
	if err != nil {
		t.Fatalf("scalars: %v", err)
	}
	if again[0].Value != 32 {
		t.Errorf("caller mutation leaked into the store: %v", again[0].Value)
	}
}
