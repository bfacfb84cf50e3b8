// Package histogram converts bucketed histograms into fixed percentile
// summaries suitable for compact storage and charting.
package histogram

import "github.com/xtxerr/runlog/internal/event"

// DefaultBasisPoints are the percentile positions used when no explicit
// compression configuration is given. A basis point is 1/100 of a percent,
// so these are the min, quartiles, and max.
var DefaultBasisPoints = []int{0, 2500, 5000, 7500, 10000}

// CompressedValue is one estimated percentile of a histogram.
type CompressedValue struct {
	BasisPoint int
	Value      float64
}

// Compress estimates the value at each requested basis point of a bucketed
// histogram by linear interpolation within the straddling bucket. Results
// are returned in the caller-supplied basis point order and clamped to the
// histogram's [min, max] range.
//
// Basis point 0 resolves to the histogram minimum and 10000 to the maximum.
// An empty histogram resolves every basis point to the minimum.
func Compress(h *event.HistogramValue, basisPoints []int) []CompressedValue {
	out := make([]CompressedValue, 0, len(basisPoints))

	var total float64
	for _, c := range h.Bucket {
		total += c
	}

	// Counts without matching limits cannot be interpolated. The wire
	// format carries the two repeated fields independently, so a record
	// can arrive with one but not the other.
	if h.Num == 0 || total == 0 || len(h.Bucket) != len(h.BucketLimit) {
		for _, bp := range basisPoints {
			out = append(out, CompressedValue{BasisPoint: bp, Value: h.Min})
		}
		return out
	}

	// Cumulative counts per bucket; cumulative[i] is the number of
	// observations at or below the upper edge of bucket i.
	cumulative := make([]float64, len(h.Bucket))
	var sum float64
	for i, c := range h.Bucket {
		sum += c
		cumulative[i] = sum
	}

	for _, bp := range basisPoints {
		switch bp {
		case 0:
			out = append(out, CompressedValue{BasisPoint: 0, Value: h.Min})
			continue
		case 10000:
			out = append(out, CompressedValue{BasisPoint: 10000, Value: h.Max})
			continue
		}

		rank := float64(bp) / 10000 * total

		// Locate the first bucket whose cumulative count reaches the
		// target rank. Zero-count buckets can never straddle it.
		idx := len(cumulative) - 1
		for i, c := range cumulative {
			if c >= rank {
				idx = i
				break
			}
		}

		var before float64
		if idx > 0 {
			before = cumulative[idx-1]
		}

		lower := h.Min
		if idx > 0 {
			lower = h.BucketLimit[idx-1]
		}
		upper := h.BucketLimit[idx]

		count := cumulative[idx] - before
		value := lower
		if count > 0 {
			value = lower + (upper-lower)*((rank-before)/count)
		}

		out = append(out, CompressedValue{BasisPoint: bp, Value: clamp(value, h.Min, h.Max)})
	}

	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
