package accumulator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/xtxerr/runlog/internal/event"
)

// HealthPillTagPrefix is the reserved tag namespace for health pill events.
// The device name follows the prefix.
const HealthPillTagPrefix = "__health_pill__/"

// healthPillStatsCount is the number of fixed summary statistics at the
// head of a health pill's element vector. The dtype enum, the dimension
// count, and the dimension sizes follow.
const healthPillStatsCount = 12

// HealthPill is one diagnostic sample for a tensor-valued op output.
type HealthPill struct {
	WallTime   float64
	Step       int64
	Device     string
	NodeName   string
	OutputSlot int
	DType      string
	Shape      []int64
	Value      []float64
}

// HealthPillIndex is a secondary index of health pills keyed by op name.
// Pills are kept in arrival order across devices.
type HealthPillIndex struct {
	pills map[string][]HealthPill
}

// NewHealthPillIndex creates an empty index.
func NewHealthPillIndex() *HealthPillIndex {
	return &HealthPillIndex{pills: make(map[string][]HealthPill)}
}

// Add records a pill under its op name.
func (x *HealthPillIndex) Add(p HealthPill) {
	x.pills[p.NodeName] = append(x.pills[p.NodeName], p)
}

// Pills returns a copy of every pill recorded for the op, in arrival order.
func (x *HealthPillIndex) Pills(op string) ([]HealthPill, bool) {
	cur, ok := x.pills[op]
	if !ok {
		return nil, false
	}
	out := make([]HealthPill, len(cur))
	copy(out, cur)
	return out, true
}

// Ops returns the sorted set of op names with at least one recorded pill.
func (x *HealthPillIndex) Ops() []string {
	out := make([]string, 0, len(x.pills))
	for op := range x.pills {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// decodeHealthPill interprets a tensor event from the health pill tag
// namespace. The node name encodes "op:slot:DebugNumericSummary"; the
// tensor content is a float64 vector of summary stats followed by dtype and
// shape metadata.
func decodeHealthPill(ev *event.Event) (HealthPill, error) {
	device := strings.TrimPrefix(ev.Tag, HealthPillTagPrefix)

	parts := strings.Split(ev.Tensor.NodeName, ":")
	if len(parts) != 3 {
		return HealthPill{}, fmt.Errorf("node name %q: want op:slot:suffix", ev.Tensor.NodeName)
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil {
		return HealthPill{}, fmt.Errorf("output slot %q: %w", parts[1], err)
	}

	elements, err := decodeFloat64s(ev.Tensor.Content)
	if err != nil {
		return HealthPill{}, err
	}
	if len(elements) < healthPillStatsCount+2 {
		return HealthPill{}, fmt.Errorf("health pill has %d elements, want at least %d",
			len(elements), healthPillStatsCount+2)
	}

	dtype := dtypeName(int32(elements[healthPillStatsCount]))
	ndims := int(elements[healthPillStatsCount+1])

	var shape []int64
	if ndims > 0 && healthPillStatsCount+2+ndims <= len(elements) {
		shape = make([]int64, ndims)
		for i := 0; i < ndims; i++ {
			shape[i] = int64(elements[healthPillStatsCount+2+i])
		}
	}

	return HealthPill{
		WallTime:   ev.WallTime,
		Step:       ev.Step,
		Device:     device,
		NodeName:   parts[0],
		OutputSlot: slot,
		DType:      dtype,
		Shape:      shape,
		Value:      elements,
	}, nil
}

// decodeFloat64s interprets raw tensor content as little-endian float64s.
func decodeFloat64s(content []byte) ([]float64, error) {
	if len(content)%8 != 0 {
		return nil, fmt.Errorf("tensor content length %d not a multiple of 8", len(content))
	}
	out := make([]float64, len(content)/8)
	for i := range out {
		bits := binary.LittleEndian.Uint64(content[i*8:])
		out[i] = math.Float64frombits(bits)
	}
	return out, nil
}

// dtypeName maps a TensorFlow DataType enum value to its display name.
func dtypeName(enum int32) string {
	switch enum {
	case 1:
		return "tf.float32"
	case 2:
		return "tf.float64"
	case 3:
		return "tf.int32"
	case 4:
		return "tf.uint8"
	case 5:
		return "tf.int16"
	case 6:
		return "tf.int8"
	case 7:
		return "tf.string"
	case 8:
		return "tf.complex64"
	case 9:
		return "tf.int64"
	case 10:
		return "tf.bool"
	default:
		return fmt.Sprintf("tf.dtype(%d)", enum)
	}
}
