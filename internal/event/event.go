package event

import "time"

// PayloadKind indicates which payload an Event carries.
type PayloadKind int

const (
	// KindNone is an event without a recognized payload.
	KindNone PayloadKind = iota
	// KindScalar is a single float value for a tag.
	KindScalar
	// KindHistogram is a bucketed histogram for a tag.
	KindHistogram
	// KindImage is an encoded image for a tag.
	KindImage
	// KindAudio is an encoded audio clip for a tag.
	KindAudio
	// KindTensor is an opaque serialized tensor for a tag.
	KindTensor
	// KindGraph is a serialized computation graph (run-level singleton).
	KindGraph
	// KindMetaGraph is a serialized meta-graph (run-level singleton).
	KindMetaGraph
	// KindRunMetadata is profiling metadata keyed by a run tag.
	KindRunMetadata
	// KindFileVersion is the log format version marker.
	KindFileVersion
	// KindSessionLog is a writer lifecycle marker (start/stop/checkpoint).
	KindSessionLog
)

// String returns a human-readable representation of the PayloadKind.
func (k PayloadKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScalar:
		return "scalar"
	case KindHistogram:
		return "histogram"
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	case KindTensor:
		return "tensor"
	case KindGraph:
		return "graph"
	case KindMetaGraph:
		return "meta_graph"
	case KindRunMetadata:
		return "run_metadata"
	case KindFileVersion:
		return "file_version"
	case KindSessionLog:
		return "session_log"
	default:
		return "unknown"
	}
}

// SessionStatus is the status carried by a session log marker.
type SessionStatus int

const (
	SessionStatusUnspecified SessionStatus = iota
	SessionStatusStart
	SessionStatusStop
	SessionStatusCheckpoint
)

// String returns a human-readable representation of the SessionStatus.
func (s SessionStatus) String() string {
	switch s {
	case SessionStatusStart:
		return "start"
	case SessionStatusStop:
		return "stop"
	case SessionStatusCheckpoint:
		return "checkpoint"
	default:
		return "unspecified"
	}
}

// HistogramValue holds bucketed summary statistics for one observation set.
// Bucket i covers (BucketLimit[i-1], BucketLimit[i]]; the first bucket's
// lower edge is unbounded.
type HistogramValue struct {
	Min         float64
	Max         float64
	Num         float64
	Sum         float64
	SumSquares  float64
	BucketLimit []float64
	Bucket      []float64
}

// ImageValue holds one encoded image.
type ImageValue struct {
	Width         int32
	Height        int32
	Colorspace    int32
	EncodedString []byte
}

// AudioValue holds one encoded audio clip.
type AudioValue struct {
	SampleRate    float32
	NumChannels   int64
	LengthFrames  int64
	ContentType   string
	EncodedString []byte
}

// TensorValue holds one serialized tensor plus the fields the health pill
// decoder needs. Content remains the full serialized TensorProto so callers
// that understand the format can decode it themselves.
type TensorValue struct {
	DType    int32
	Shape    []int64
	Content  []byte
	Raw      []byte
	NodeName string
}

// SessionLog is a writer lifecycle marker. A Start marker means the writer
// restarted and everything at or after the event's step is stale.
type SessionLog struct {
	Status         SessionStatus
	CheckpointPath string
	Msg            string
}

// TaggedRunMetadata carries profiling metadata keyed by a run tag.
type TaggedRunMetadata struct {
	Tag      string
	Metadata []byte
}

// Event is one decoded record from a run log. Exactly one payload field is
// set; Kind() reports which. Tag is set for the per-tag value kinds and for
// run metadata.
type Event struct {
	WallTime float64
	Step     int64
	Tag      string

	Scalar      *float64
	Histogram   *HistogramValue
	Image       *ImageValue
	Audio       *AudioValue
	Tensor      *TensorValue
	Graph       []byte
	MetaGraph   []byte
	RunMetadata *TaggedRunMetadata
	FileVersion *string
	SessionLog  *SessionLog
}

// Kind reports which payload the event carries.
func (e *Event) Kind() PayloadKind {
	switch {
	case e.Scalar != nil:
		return KindScalar
	case e.Histogram != nil:
		return KindHistogram
	case e.Image != nil:
		return KindImage
	case e.Audio != nil:
		return KindAudio
	case e.Tensor != nil:
		return KindTensor
	case e.Graph != nil:
		return KindGraph
	case e.MetaGraph != nil:
		return KindMetaGraph
	case e.RunMetadata != nil:
		return KindRunMetadata
	case e.FileVersion != nil:
		return KindFileVersion
	case e.SessionLog != nil:
		return KindSessionLog
	default:
		return KindNone
	}
}

// IsValueKind reports whether the event carries one of the per-tag value
// payloads (scalar, histogram, image, audio, tensor).
func (e *Event) IsValueKind() bool {
	switch e.Kind() {
	case KindScalar, KindHistogram, KindImage, KindAudio, KindTensor:
		return true
	default:
		return false
	}
}

// WallTimeTime returns the wall time as a time.Time.
func (e *Event) WallTimeTime() time.Time {
	sec := int64(e.WallTime)
	nsec := int64((e.WallTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
