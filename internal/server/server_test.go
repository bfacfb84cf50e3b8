package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/xtxerr/runlog/internal/accumulator"
	"github.com/xtxerr/runlog/internal/event"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/multiplexer"
	"github.com/xtxerr/runlog/internal/tfevent"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.out.tfevents.1")
	w, err := tfevent.NewRecordWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	v := 0.5
	ev := event.Event{WallTime: 1, Step: 10, Tag: "loss", Scalar: &v}
	if err := w.WriteEvent(&ev); err != nil {
		t.Fatalf("write event: %v", err)
	}
	w.Close()

	mux := multiplexer.New(accumulator.DefaultConfig(), logging.Component("test"))
	mux.AddRun("train", path)
	if err := mux.ReloadAll(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	srv := New(&Config{Mux: mux, Listen: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRunsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string][]string
	if code := getJSON(t, ts.URL+"/api/runs", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body["runs"]) != 1 || body["runs"][0] != "train" {
		t.Errorf("unexpected runs: %v", body)
	}
}

func TestTagsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var idx accumulator.TagIndex
	if code := getJSON(t, ts.URL+"/api/tags?run=train", &idx); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(idx.Scalars) != 1 || idx.Scalars[0] != "loss" {
		t.Errorf("unexpected index: %+v", idx)
	}
	// Fixed shape: empty kinds serialize as [], not null.
	if idx.Histograms == nil || idx.Tensors == nil {
		t.Errorf("index slices must be non-nil: %+v", idx)
	}
}

func TestScalarsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var recs []accumulator.Record[float64]
	if code := getJSON(t, ts.URL+"/api/scalars?run=train&tag=loss", &recs); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(recs) != 1 || recs[0].Step != 10 || recs[0].Value != 0.5 {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestNotFoundMapping(t *testing.T) {
	_, ts := newTestServer(t)

	if code := getJSON(t, ts.URL+"/api/scalars?run=train&tag=missing", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown tag, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/tags?run=missing", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/graph?run=train", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for absent graph, got %d", code)
	}
}

func TestMissingParams(t *testing.T) {
	_, ts := newTestServer(t)

	if code := getJSON(t, ts.URL+"/api/scalars?run=train", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 without tag, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/tags", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 without run, got %d", code)
	}
}

func TestFirstEventEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]float64
	if code := getJSON(t, ts.URL+"/api/first_event?run=train", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["wall_time"] != 1 {
		t.Errorf("unexpected wall time: %v", body)
	}
}
