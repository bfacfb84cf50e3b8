package accumulator

import (
	"math/rand"
	"sort"
)

// Record is the stored form of one event's payload for a tag. Immutable
// once appended; only removable by purge.
type Record[T any] struct {
	WallTime float64 `json:"wall_time"`
	Step     int64   `json:"step"`
	Value    T       `json:"value"`
}

// tagStore holds the ordered record sequence for every tag of one payload
// kind. When capacity is positive, each tag keeps a uniform sample of its
// arrivals (reservoir), always retaining the most recent record.
type tagStore[T any] struct {
	capacity int
	items    map[string][]Record[T]
	seen     map[string]int
}

func newTagStore[T any](capacity int) *tagStore[T] {
	return &tagStore[T]{
		capacity: capacity,
		items:    make(map[string][]Record[T]),
		seen:     make(map[string]int),
	}
}

// add appends a record to the tag's sequence, evicting per the reservoir
// policy when the tag is at capacity. Slices are copied on eviction so
// sequences previously handed to callers are never disturbed.
func (s *tagStore[T]) add(tag string, rec Record[T]) {
	s.seen[tag]++
	cur := s.items[tag]

	if s.capacity <= 0 || len(cur) < s.capacity {
		s.items[tag] = append(cur, rec)
		return
	}

	r := rand.Intn(s.seen[tag])
	if r < s.capacity {
		// Evict a uniformly chosen record, keep arrival order.
		evict := rand.Intn(len(cur))
		next := make([]Record[T], 0, s.capacity)
		next = append(next, cur[:evict]...)
		next = append(next, cur[evict+1:]...)
		s.items[tag] = append(next, rec)
	} else {
		// The most recent record always survives.
		next := make([]Record[T], len(cur))
		copy(next, cur)
		next[len(next)-1] = rec
		s.items[tag] = next
	}
}

// list returns a copy of the tag's sequence and whether the tag exists.
func (s *tagStore[T]) list(tag string) ([]Record[T], bool) {
	cur, ok := s.items[tag]
	if !ok {
		return nil, false
	}
	out := make([]Record[T], len(cur))
	copy(out, cur)
	return out, true
}

// tags returns the sorted set of known tags.
func (s *tagStore[T]) tags() []string {
	out := make([]string, 0, len(s.items))
	for tag := range s.items {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// has reports whether the tag exists.
func (s *tagStore[T]) has(tag string) bool {
	_, ok := s.items[tag]
	return ok
}

// purgeTag removes the tag's records with step >= minStep. The surviving
// records land in a fresh slice so previously returned copies stay intact.
// Returns the number of records removed.
func (s *tagStore[T]) purgeTag(tag string, minStep int64) int {
	cur, ok := s.items[tag]
	if !ok {
		return 0
	}

	next := make([]Record[T], 0, len(cur))
	for _, rec := range cur {
		if rec.Step < minStep {
			next = append(next, rec)
		}
	}

	removed := len(cur) - len(next)
	if removed > 0 {
		s.items[tag] = next
	}
	return removed
}

// purgeAll removes records with step >= minStep across every tag. Tags are
// kept even when emptied; they existed and still appear in the tag index.
// Returns the number of records removed.
func (s *tagStore[T]) purgeAll(minStep int64) int {
	removed := 0
	for tag := range s.items {
		removed += s.purgeTag(tag, minStep)
	}
	return removed
}

// maxStep returns the largest step currently stored for the tag, and
// whether the tag has any records.
func (s *tagStore[T]) maxStep(tag string) (int64, bool) {
	cur, ok := s.items[tag]
	if !ok || len(cur) == 0 {
		return 0, false
	}
	max := cur[0].Step
	for _, rec := range cur[1:] {
		if rec.Step > max {
			max = rec.Step
		}
	}
	return max, true
}
