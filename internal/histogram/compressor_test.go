package histogram

import (
	"math"
	"testing"

	"github.com/xtxerr/runlog/internal/event"
)

func checkCompressed(t *testing.T, got []CompressedValue, want []CompressedValue) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].BasisPoint != want[i].BasisPoint {
			t.Errorf("value %d: expected bp=%d, got %d", i, want[i].BasisPoint, got[i].BasisPoint)
		}
		if math.Abs(got[i].Value-want[i].Value) > 1e-9 {
			t.Errorf("bp %d: expected value=%v, got %v", want[i].BasisPoint, want[i].Value, got[i].Value)
		}
	}
}

func TestCompress_SingleBucket(t *testing.T) {
	h := &event.HistogramValue{
		Min:         1,
		Max:         2,
		Num:         3,
		Sum:         4,
		SumSquares:  5,
		BucketLimit: []float64{1, 2, 3},
		Bucket:      []float64{0, 3, 0},
	}

	got := Compress(h, DefaultBasisPoints)
	checkCompressed(t, got, []CompressedValue{
		{0, 1.0},
		{2500, 1.25},
		{5000, 1.5},
		{7500, 1.75},
		{10000, 2.0},
	})
}

func TestCompress_MultiBucket(t *testing.T) {
	h := &event.HistogramValue{
		Min:         -2,
		Max:         3,
		Num:         4,
		Sum:         5,
		SumSquares:  6,
		BucketLimit: []float64{2, 3, 4},
		Bucket:      []float64{1, 3, 0},
	}

	got := Compress(h, DefaultBasisPoints)
	checkCompressed(t, got, []CompressedValue{
		{0, -2},
		{2500, 2},
		{5000, 2 + 1.0/3},
		{7500, 2 + 2.0/3},
		{10000, 3},
	})
}

func TestCompress_Empty(t *testing.T) {
	h := &event.HistogramValue{
		Min:         5,
		Max:         5,
		BucketLimit: []float64{1, 2, 3},
		Bucket:      []float64{0, 0, 0},
	}

	got := Compress(h, []int{0, 5000, 10000})
	checkCompressed(t, got, []CompressedValue{
		{0, 5},
		{5000, 5},
		{10000, 5},
	})
}

func TestCompress_MismatchedBucketArrays(t *testing.T) {
	// Counts without limits (or with too few) must degrade to the
	// minimum instead of panicking.
	cases := []struct {
		name string
		h    *event.HistogramValue
	}{
		{"no limits", &event.HistogramValue{
			Min: 3, Max: 9, Num: 1,
			Bucket: []float64{1},
		}},
		{"fewer limits than buckets", &event.HistogramValue{
			Min: 3, Max: 9, Num: 4,
			BucketLimit: []float64{5},
			Bucket:      []float64{1, 3},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compress(tc.h, []int{0, 5000, 10000})
			checkCompressed(t, got, []CompressedValue{
				{0, 3},
				{5000, 3},
				{10000, 3},
			})
		})
	}
}

func TestCompress_ClampsToRange(t *testing.T) {
	// Bucket upper edges extend past the true max; interpolated values
	// must not escape [min, max].
	h := &event.HistogramValue{
		Min:         0,
		Max:         1,
		Num:         2,
		BucketLimit: []float64{10},
		Bucket:      []float64{2},
	}

	got := Compress(h, []int{2500, 7500})
	for _, cv := range got {
		if cv.Value < 0 || cv.Value > 1 {
			t.Errorf("bp %d: value %v outside [0,1]", cv.BasisPoint, cv.Value)
		}
	}
}

func TestCompress_PreservesRequestedOrder(t *testing.T) {
	h := &event.HistogramValue{
		Min:         1,
		Max:         2,
		Num:         3,
		BucketLimit: []float64{1, 2, 3},
		Bucket:      []float64{0, 3, 0},
	}

	bps := []int{10000, 0, 5000}
	got := Compress(h, bps)
	for i, bp := range bps {
		if got[i].BasisPoint != bp {
			t.Errorf("position %d: expected bp=%d, got %d", i, bp, got[i].BasisPoint)
		}
	}
}
