// Package tfevent reads TensorFlow-format run logs: framed records whose
// payloads are serialized Event protos. The proto schema is small and
// frozen, so records are decoded directly with protowire instead of
// generated code.
package tfevent

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/event"
)

// Field numbers from event.proto.
const (
	eventWallTime    = 1
	eventStep        = 2
	eventFileVersion = 3
	eventGraphDef    = 4
	eventSummary     = 5
	eventSessionLog  = 7
	eventTaggedMeta  = 8
	eventMetaGraph   = 9
)

// Field numbers from summary.proto.
const (
	summaryValue     = 1
	valueTag         = 1
	valueSimpleValue = 2
	valueImage       = 4
	valueHisto       = 5
	valueAudio       = 6
	valueNodeName    = 7
	valueTensor      = 8
)

// UnmarshalEvents decodes one serialized Event proto. A summary event fans
// out into one event per summary value (sharing wall time and step); every
// other payload yields a single event. Events whose payload is not
// recognized decode to a payload-less event so callers can skip them
// without losing the wall time.
func UnmarshalEvents(b []byte) ([]event.Event, error) {
	var base event.Event
	var summary []byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "event tag")
		}
		b = b[n:]

		switch {
		case num == eventWallTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "wall_time")
			}
			base.WallTime = math.Float64frombits(v)
			b = b[n:]

		case num == eventStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "step")
			}
			base.Step = int64(v)
			b = b[n:]

		case num == eventFileVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "file_version")
			}
			s := string(v)
			base.FileVersion = &s
			b = b[n:]

		case num == eventGraphDef && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "graph_def")
			}
			// Non-nil even when empty; presence is what matters.
			base.Graph = append(make([]byte, 0, len(v)), v...)
			b = b[n:]

		case num == eventMetaGraph && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "meta_graph_def")
			}
			base.MetaGraph = append(make([]byte, 0, len(v)), v...)
			b = b[n:]

		case num == eventSessionLog && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "session_log")
			}
			sl, err := unmarshalSessionLog(v)
			if err != nil {
				return nil, err
			}
			base.SessionLog = &sl
			b = b[n:]

		case num == eventTaggedMeta && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "tagged_run_metadata")
			}
			rm, err := unmarshalTaggedRunMetadata(v)
			if err != nil {
				return nil, err
			}
			base.RunMetadata = &rm
			base.Tag = rm.Tag
			b = b[n:]

		case num == eventSummary && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "summary")
			}
			summary = v
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "unknown event field")
			}
			b = b[n:]
		}
	}

	if summary == nil {
		return []event.Event{base}, nil
	}
	return fanOutSummary(&base, summary)
}

// fanOutSummary yields one event per summary value.
func fanOutSummary(base *event.Event, b []byte) ([]event.Event, error) {
	var out []event.Event

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "summary tag")
		}
		b = b[n:]

		if num != summaryValue || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "summary field")
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "summary value")
		}
		b = b[n:]

		ev := event.Event{WallTime: base.WallTime, Step: base.Step}
		if err := unmarshalSummaryValue(v, &ev); err != nil {
			return nil, err
		}
		if ev.Kind() != event.KindNone {
			out = append(out, ev)
		}
	}

	if len(out) == 0 {
		// Summary with no usable values; keep the bare event so the
		// wall time still counts.
		return []event.Event{{WallTime: base.WallTime, Step: base.Step}}, nil
	}
	return out, nil
}

func unmarshalSummaryValue(b []byte, ev *event.Event) error {
	var nodeName string

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "value tag")
		}
		b = b[n:]

		switch {
		case num == valueTag && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "value.tag")
			}
			ev.Tag = string(v)
			b = b[n:]

		case num == valueNodeName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "value.node_name")
			}
			nodeName = string(v)
			b = b[n:]

		case num == valueSimpleValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "simple_value")
			}
			f := float64(math.Float32frombits(v))
			ev.Scalar = &f
			b = b[n:]

		case num == valueHisto && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "histo")
			}
			h, err := unmarshalHistogram(v)
			if err != nil {
				return err
			}
			ev.Histogram = &h
			b = b[n:]

		case num == valueImage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "image")
			}
			img, err := unmarshalImage(v)
			if err != nil {
				return err
			}
			ev.Image = &img
			b = b[n:]

		case num == valueAudio && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "audio")
			}
			au, err := unmarshalAudio(v)
			if err != nil {
				return err
			}
			ev.Audio = &au
			b = b[n:]

		case num == valueTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "tensor")
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			ev.Tensor = &t
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "unknown value field")
			}
			b = b[n:]
		}
	}

	if ev.Tensor != nil {
		ev.Tensor.NodeName = nodeName
	}
	return nil
}

// Field numbers from HistogramProto.
const (
	histoMin         = 1
	histoMax         = 2
	histoNum         = 3
	histoSum         = 4
	histoSumSquares  = 5
	histoBucketLimit = 6
	histoBucket      = 7
)

func unmarshalHistogram(b []byte) (event.HistogramValue, error) {
	var h event.HistogramValue

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, errors.Wrap(protowire.ParseError(n), "histogram tag")
		}
		b = b[n:]

		switch {
		case typ == protowire.Fixed64Type && num >= histoMin && num <= histoSumSquares:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return h, errors.Wrap(protowire.ParseError(n), "histogram field")
			}
			f := math.Float64frombits(v)
			switch num {
			case histoMin:
				h.Min = f
			case histoMax:
				h.Max = f
			case histoNum:
				h.Num = f
			case histoSum:
				h.Sum = f
			case histoSumSquares:
				h.SumSquares = f
			}
			b = b[n:]

		case num == histoBucketLimit || num == histoBucket:
			vals, rest, err := consumeRepeatedDouble(b, typ)
			if err != nil {
				return h, err
			}
			if num == histoBucketLimit {
				h.BucketLimit = append(h.BucketLimit, vals...)
			} else {
				h.Bucket = append(h.Bucket, vals...)
			}
			b = rest

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, errors.Wrap(protowire.ParseError(n), "unknown histogram field")
			}
			b = b[n:]
		}
	}

	return h, nil
}

// consumeRepeatedDouble handles a repeated double field in either packed
// (length-delimited) or unpacked (one fixed64 per tag) encoding.
func consumeRepeatedDouble(b []byte, typ protowire.Type) ([]float64, []byte, error) {
	switch typ {
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, errors.Wrap(protowire.ParseError(n), "packed doubles")
		}
		if len(v)%8 != 0 {
			return nil, nil, errors.Wrapf(errors.ErrMalformedEvent, "packed doubles of %d bytes", len(v))
		}
		out := make([]float64, 0, len(v)/8)
		for len(v) > 0 {
			bits, n := protowire.ConsumeFixed64(v)
			if n < 0 {
				return nil, nil, errors.Wrap(protowire.ParseError(n), "packed double")
			}
			out = append(out, math.Float64frombits(bits))
			v = v[n:]
		}
		return out, b[n:], nil

	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, nil, errors.Wrap(protowire.ParseError(n), "double")
		}
		return []float64{math.Float64frombits(v)}, b[n:], nil

	default:
		return nil, nil, errors.Wrapf(errors.ErrMalformedEvent, "repeated double wire type %d", typ)
	}
}

// Field numbers from Summary.Image.
const (
	imageHeight  = 1
	imageWidth   = 2
	imageColor   = 3
	imageEncoded = 4
)

func unmarshalImage(b []byte) (event.ImageValue, error) {
	var img event.ImageValue

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return img, errors.Wrap(protowire.ParseError(n), "image tag")
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == imageHeight || num == imageWidth || num == imageColor):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return img, errors.Wrap(protowire.ParseError(n), "image field")
			}
			switch num {
			case imageHeight:
				img.Height = int32(v)
			case imageWidth:
				img.Width = int32(v)
			case imageColor:
				img.Colorspace = int32(v)
			}
			b = b[n:]

		case num == imageEncoded && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return img, errors.Wrap(protowire.ParseError(n), "image bytes")
			}
			img.EncodedString = append([]byte(nil), v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return img, errors.Wrap(protowire.ParseError(n), "unknown image field")
			}
			b = b[n:]
		}
	}

	return img, nil
}

// Field numbers from Summary.Audio.
const (
	audioSampleRate   = 1
	audioNumChannels  = 2
	audioLengthFrames = 3
	audioEncoded      = 4
	audioContentType  = 5
)

func unmarshalAudio(b []byte) (event.AudioValue, error) {
	var au event.AudioValue

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return au, errors.Wrap(protowire.ParseError(n), "audio tag")
		}
		b = b[n:]

		switch {
		case num == audioSampleRate && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return au, errors.Wrap(protowire.ParseError(n), "sample_rate")
			}
			au.SampleRate = math.Float32frombits(v)
			b = b[n:]

		case typ == protowire.VarintType && (num == audioNumChannels || num == audioLengthFrames):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return au, errors.Wrap(protowire.ParseError(n), "audio field")
			}
			if num == audioNumChannels {
				au.NumChannels = int64(v)
			} else {
				au.LengthFrames = int64(v)
			}
			b = b[n:]

		case num == audioEncoded && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return au, errors.Wrap(protowire.ParseError(n), "audio bytes")
			}
			au.EncodedString = append([]byte(nil), v...)
			b = b[n:]

		case num == audioContentType && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return au, errors.Wrap(protowire.ParseError(n), "content_type")
			}
			au.ContentType = string(v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return au, errors.Wrap(protowire.ParseError(n), "unknown audio field")
			}
			b = b[n:]
		}
	}

	return au, nil
}

// Field numbers from TensorProto and TensorShapeProto.
const (
	tensorDType   = 1
	tensorShape   = 2
	tensorContent = 4

	shapeDim = 2
	dimSize  = 1
)

func unmarshalTensor(b []byte) (event.TensorValue, error) {
	t := event.TensorValue{Raw: append([]byte(nil), b...)}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, errors.Wrap(protowire.ParseError(n), "tensor tag")
		}
		b = b[n:]

		switch {
		case num == tensorDType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, errors.Wrap(protowire.ParseError(n), "dtype")
			}
			t.DType = int32(v)
			b = b[n:]

		case num == tensorShape && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, errors.Wrap(protowire.ParseError(n), "tensor_shape")
			}
			shape, err := unmarshalShape(v)
			if err != nil {
				return t, err
			}
			t.Shape = shape
			b = b[n:]

		case num == tensorContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return t, errors.Wrap(protowire.ParseError(n), "tensor_content")
			}
			t.Content = append([]byte(nil), v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, errors.Wrap(protowire.ParseError(n), "unknown tensor field")
			}
			b = b[n:]
		}
	}

	return t, nil
}

func unmarshalShape(b []byte) ([]int64, error) {
	var shape []int64

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "shape tag")
		}
		b = b[n:]

		if num == shapeDim && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "shape dim")
			}
			size, err := unmarshalDimSize(v)
			if err != nil {
				return nil, err
			}
			shape = append(shape, size)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "unknown shape field")
		}
		b = b[n:]
	}

	return shape, nil
}

func unmarshalDimSize(b []byte) (int64, error) {
	var size int64

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, errors.Wrap(protowire.ParseError(n), "dim tag")
		}
		b = b[n:]

		if num == dimSize && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "dim size")
			}
			size = int64(v)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, errors.Wrap(protowire.ParseError(n), "unknown dim field")
		}
		b = b[n:]
	}

	return size, nil
}

// Field numbers from SessionLog.
const (
	sessionStatus     = 1
	sessionCheckpoint = 2
	sessionMsg        = 3
)

func unmarshalSessionLog(b []byte) (event.SessionLog, error) {
	var sl event.SessionLog

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return sl, errors.Wrap(protowire.ParseError(n), "session_log tag")
		}
		b = b[n:]

		switch {
		case num == sessionStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return sl, errors.Wrap(protowire.ParseError(n), "session status")
			}
			sl.Status = event.SessionStatus(v)
			b = b[n:]

		case num == sessionCheckpoint && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return sl, errors.Wrap(protowire.ParseError(n), "checkpoint_path")
			}
			sl.CheckpointPath = string(v)
			b = b[n:]

		case num == sessionMsg && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return sl, errors.Wrap(protowire.ParseError(n), "session msg")
			}
			sl.Msg = string(v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return sl, errors.Wrap(protowire.ParseError(n), "unknown session field")
			}
			b = b[n:]
		}
	}

	return sl, nil
}

// Field numbers from TaggedRunMetadata.
const (
	taggedMetaTag   = 1
	taggedMetaBytes = 2
)

func unmarshalTaggedRunMetadata(b []byte) (event.TaggedRunMetadata, error) {
	var rm event.TaggedRunMetadata

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rm, errors.Wrap(protowire.ParseError(n), "run metadata tag")
		}
		b = b[n:]

		switch {
		case num == taggedMetaTag && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rm, errors.Wrap(protowire.ParseError(n), "run metadata tag field")
			}
			rm.Tag = string(v)
			b = b[n:]

		case num == taggedMetaBytes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return rm, errors.Wrap(protowire.ParseError(n), "run metadata bytes")
			}
			rm.Metadata = append([]byte(nil), v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rm, errors.Wrap(protowire.ParseError(n), "unknown run metadata field")
			}
			b = b[n:]
		}
	}

	return rm, nil
}

// metaGraphGraphDef is the graph_def field of MetaGraphDef.
const metaGraphGraphDef = 2

// GraphDefFromMetaGraph extracts the embedded serialized graph from a
// serialized meta-graph, or nil when the meta-graph carries none.
func GraphDefFromMetaGraph(b []byte) ([]byte, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "meta graph tag")
		}
		b = b[n:]

		if num == metaGraphGraphDef && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "embedded graph_def")
			}
			return append([]byte(nil), v...), nil
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "unknown meta graph field")
		}
		b = b[n:]
	}

	return nil, nil
}
