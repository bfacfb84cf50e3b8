// Package stats maintains running distribution summaries over scalar
// series. It combines exact running statistics (count/sum/min/max) with a
// DDSketch for percentile estimation.
package stats

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// defaultRelativeAccuracy is the DDSketch relative accuracy (1%).
const defaultRelativeAccuracy = 0.01

// Distribution maintains running statistics for one scalar series.
type Distribution struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	sketch *ddsketch.DDSketch
}

// NewDistribution creates an empty distribution.
func NewDistribution() *Distribution {
	d := &Distribution{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(defaultRelativeAccuracy)
	if err == nil {
		d.sketch = sketch
	}

	return d
}

// Add adds a value to the distribution.
func (d *Distribution) Add(value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	d.sum += value

	if value < d.min {
		d.min = value
	}
	if value > d.max {
		d.max = value
	}

	if d.sketch != nil {
		d.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (d *Distribution) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Summary is a point-in-time snapshot of a distribution.
type Summary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Summary returns the current snapshot. An empty distribution returns the
// zero Summary.
func (d *Distribution) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.count == 0 {
		return Summary{}
	}

	s := Summary{
		Count: d.count,
		Sum:   d.sum,
		Avg:   d.sum / float64(d.count),
		Min:   d.min,
		Max:   d.max,
	}

	if d.sketch != nil {
		s.P50, _ = d.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = d.sketch.GetValueAtQuantile(0.90)
		s.P95, _ = d.sketch.GetValueAtQuantile(0.95)
		s.P99, _ = d.sketch.GetValueAtQuantile(0.99)
	}

	return s
}

// Collection maintains one Distribution per tag.
type Collection struct {
	mu   sync.Mutex
	tags map[string]*Distribution
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{tags: make(map[string]*Distribution)}
}

// Observe adds a value to the tag's distribution, creating it on first use.
func (c *Collection) Observe(tag string, value float64) {
	c.mu.Lock()
	d, ok := c.tags[tag]
	if !ok {
		d = NewDistribution()
		c.tags[tag] = d
	}
	c.mu.Unlock()

	d.Add(value)
}

// Reset discards the tag's distribution. Used when a purge invalidates the
// accumulated values; the caller re-observes the surviving records.
func (c *Collection) Reset(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tags, tag)
}

// Summary returns the tag's snapshot, and whether the tag exists.
func (c *Collection) Summary(tag string) (Summary, bool) {
	c.mu.Lock()
	d, ok := c.tags[tag]
	c.mu.Unlock()

	if !ok {
		return Summary{}, false
	}
	return d.Summary(), true
}
