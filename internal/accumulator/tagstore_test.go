package accumulator

import "testing"

func TestTagStoreUnlimited(t *testing.T) {
	s := newTagStore[float64](0)
	for i := 0; i < 1000; i++ {
		s.add("t", Record[float64]{Step: int64(i), Value: float64(i)})
	}
	recs, ok := s.list("t")
	if !ok || len(recs) != 1000 {
		t.Fatalf("expected 1000 records, got %d (ok=%v)", len(recs), ok)
	}
	for i, rec := range recs {
		if rec.Step != int64(i) {
			t.Fatalf("arrival order broken at %d: %+v", i, rec)
		}
	}
}

func TestTagStoreReservoir(t *testing.T) {
	const capacity = 10
	s := newTagStore[float64](capacity)
	for i := 0; i < 1000; i++ {
		s.add("t", Record[float64]{Step: int64(i), Value: float64(i)})
	}

	recs, ok := s.list("t")
	if !ok || len(recs) != capacity {
		t.Fatalf("expected %d records, got %d", capacity, len(recs))
	}
	// The newest arrival always survives.
	if recs[len(recs)-1].Step != 999 {
		t.Errorf("most recent record evicted: %+v", recs[len(recs)-1])
	}
	// Sampling preserves arrival order.
	for i := 1; i < len(recs); i++ {
		if recs[i].Step <= recs[i-1].Step {
			t.Errorf("order broken: %+v", recs)
			break
		}
	}
}

func TestTagStorePurgeTag(t *testing.T) {
	s := newTagStore[float64](0)
	for _, step := range []int64{100, 200, 300} {
		s.add("a", Record[float64]{Step: step})
		s.add("b", Record[float64]{Step: step})
	}

	if removed := s.purgeTag("a", 200); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	recs, _ := s.list("a")
	if len(recs) != 1 || recs[0].Step != 100 {
		t.Errorf("unexpected survivors: %+v", recs)
	}
	recs, _ = s.list("b")
	if len(recs) != 3 {
		t.Errorf("other tags must be untouched: %+v", recs)
	}

	if removed := s.purgeTag("missing", 0); removed != 0 {
		t.Errorf("purging an unknown tag removed %d", removed)
	}
}

func TestTagStorePurgeAllKeepsEmptiedTags(t *testing.T) {
	s := newTagStore[float64](0)
	s.add("a", Record[float64]{Step: 5})
	s.add("b", Record[float64]{Step: 50})

	if removed := s.purgeAll(10); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	tags := s.tags()
	if len(tags) != 2 {
		t.Errorf("emptied tags must remain known: %v", tags)
	}
	recs, ok := s.list("b")
	if !ok || len(recs) != 0 {
		t.Errorf("expected b emptied but present, got ok=%v recs=%v", ok, recs)
	}
}

func TestTagStoreMaxStep(t *testing.T) {
	s := newTagStore[float64](0)
	if _, ok := s.maxStep("t"); ok {
		t.Error("unknown tag reported a max step")
	}
	for _, step := range []int64{7, 42, 13} {
		s.add("t", Record[float64]{Step: step})
	}
	if max, ok := s.maxStep("t"); !ok || max != 42 {
		t.Errorf("expected max 42, got %d (ok=%v)", max, ok)
	}
}

func TestTagStorePurgePreservesHandedOutSlices(t *testing.T) {
	s := newTagStore[float64](0)
	for _, step := range []int64{1, 2, 3} {
		s.add("t", Record[float64]{Step: step, Value: float64(step)})
	}
	before, _ := s.list("t")

	s.purgeTag("t", 2)
	s.add("t", Record[float64]{Step: 9, Value: 9})

	if len(before) != 3 || before[1].Value != 2 || before[2].Value != 3 {
		t.Errorf("earlier snapshot was disturbed: %+v", before)
	}
}
