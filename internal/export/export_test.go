package export

import (
	"path/filepath"
	"testing"

	"github.com/xtxerr/runlog/internal/accumulator"
	"github.com/xtxerr/runlog/internal/event"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/multiplexer"
	"github.com/xtxerr/runlog/internal/tfevent"
)

func writeRun(t *testing.T, dir string, events ...event.Event) {
	t.Helper()
	w, err := tfevent.NewRecordWriter(filepath.Join(dir, "events.out.tfevents.1"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	for i := range events {
		if err := w.WriteEvent(&events[i]); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}
}

func TestExportRoundTrip(t *testing.T) {
	runDir := t.TempDir()
	v1, v2 := 0.5, 0.25
	writeRun(t, runDir,
		event.Event{WallTime: 1, Step: 10, Tag: "loss", Scalar: &v1},
		event.Event{WallTime: 2, Step: 20, Tag: "loss", Scalar: &v2},
		event.Event{WallTime: 3, Step: 10, Tag: "weights",
			Histogram: &event.HistogramValue{
				Min: 1, Max: 2, Num: 3, Sum: 4, SumSquares: 5,
				BucketLimit: []float64{1, 2, 3},
				Bucket:      []float64{0, 3, 0},
			}},
	)

	mux := multiplexer.New(accumulator.DefaultConfig(), logging.Component("test"))
	mux.AddRun("train", filepath.Join(runDir, "events.out.tfevents.1"))
	if err := mux.ReloadAll(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	outDir := t.TempDir()
	exp := NewExporter(mux, outDir, DefaultOptions())
	result, err := exp.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.ScalarRows != 2 {
		t.Errorf("expected 2 scalar rows, got %d", result.ScalarRows)
	}
	// One percentile row per basis point for the single histogram.
	want := int64(len(accumulator.DefaultConfig().CompressionBasisPoints))
	if result.PercentileRows != want {
		t.Errorf("expected %d percentile rows, got %d", want, result.PercentileRows)
	}

	sr, err := NewScalarReader(result.ScalarPath)
	if err != nil {
		t.Fatalf("open scalars: %v", err)
	}
	defer sr.Close()
	rows, err := sr.ReadAll()
	if err != nil {
		t.Fatalf("read scalars: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Run != "train" || rows[0].Tag != "loss" || rows[0].Step != 10 || rows[0].Value != 0.5 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}

	pr, err := NewPercentileReader(result.PercentilePath)
	if err != nil {
		t.Fatalf("open percentiles: %v", err)
	}
	defer pr.Close()
	prows, err := pr.ReadAll()
	if err != nil {
		t.Fatalf("read percentiles: %v", err)
	}
	if int64(len(prows)) != want {
		t.Fatalf("expected %d rows, got %d", want, len(prows))
	}
	if prows[0].BasisPoint != 0 || prows[0].Value != 1 {
		t.Errorf("expected basis point 0 at min, got %+v", prows[0])
	}
	last := prows[len(prows)-1]
	if last.BasisPoint != 10000 || last.Value != 2 {
		t.Errorf("expected basis point 10000 at max, got %+v", last)
	}
}

func TestWriterRejectsAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalars.parquet")
	w, err := NewScalarWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Write([]ScalarRow{{Run: "r"}}); err == nil {
		t.Error("expected write after close to fail")
	}
	// Idempotent close.
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
