package tfevent

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/runlog/internal/event"
)

// MarshalEvent serializes one event as an Event proto. Value-kind events
// produce a summary with a single value; the inverse of UnmarshalEvents'
// fan-out.
func MarshalEvent(ev *event.Event) []byte {
	var b []byte

	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(ev.WallTime))
	b = protowire.AppendTag(b, eventStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Step))

	switch ev.Kind() {
	case event.KindFileVersion:
		b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
		b = protowire.AppendString(b, *ev.FileVersion)

	case event.KindGraph:
		b = protowire.AppendTag(b, eventGraphDef, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.Graph)

	case event.KindMetaGraph:
		b = protowire.AppendTag(b, eventMetaGraph, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.MetaGraph)

	case event.KindSessionLog:
		b = protowire.AppendTag(b, eventSessionLog, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSessionLog(ev.SessionLog))

	case event.KindRunMetadata:
		b = protowire.AppendTag(b, eventTaggedMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTaggedRunMetadata(ev.RunMetadata))

	case event.KindScalar, event.KindHistogram, event.KindImage, event.KindAudio, event.KindTensor:
		b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSummary(ev))
	}

	return b
}

func marshalSummary(ev *event.Event) []byte {
	var b []byte
	b = protowire.AppendTag(b, summaryValue, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalSummaryValue(ev))
	return b
}

func marshalSummaryValue(ev *event.Event) []byte {
	var b []byte

	if ev.Tag != "" {
		b = protowire.AppendTag(b, valueTag, protowire.BytesType)
		b = protowire.AppendString(b, ev.Tag)
	}

	switch ev.Kind() {
	case event.KindScalar:
		b = protowire.AppendTag(b, valueSimpleValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(*ev.Scalar)))

	case event.KindHistogram:
		b = protowire.AppendTag(b, valueHisto, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalHistogram(ev.Histogram))

	case event.KindImage:
		b = protowire.AppendTag(b, valueImage, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalImage(ev.Image))

	case event.KindAudio:
		b = protowire.AppendTag(b, valueAudio, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalAudio(ev.Audio))

	case event.KindTensor:
		if ev.Tensor.NodeName != "" {
			b = protowire.AppendTag(b, valueNodeName, protowire.BytesType)
			b = protowire.AppendString(b, ev.Tensor.NodeName)
		}
		b = protowire.AppendTag(b, valueTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(ev.Tensor))
	}

	return b
}

func marshalHistogram(h *event.HistogramValue) []byte {
	var b []byte

	appendDouble := func(num protowire.Number, v float64) {
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	appendDouble(histoMin, h.Min)
	appendDouble(histoMax, h.Max)
	appendDouble(histoNum, h.Num)
	appendDouble(histoSum, h.Sum)
	appendDouble(histoSumSquares, h.SumSquares)

	appendPacked := func(num protowire.Number, vals []float64) {
		if len(vals) == 0 {
			return
		}
		packed := make([]byte, 0, len(vals)*8)
		for _, v := range vals {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	appendPacked(histoBucketLimit, h.BucketLimit)
	appendPacked(histoBucket, h.Bucket)

	return b
}

func marshalImage(img *event.ImageValue) []byte {
	var b []byte
	b = protowire.AppendTag(b, imageHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(img.Height))
	b = protowire.AppendTag(b, imageWidth, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(img.Width))
	if img.Colorspace != 0 {
		b = protowire.AppendTag(b, imageColor, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(img.Colorspace))
	}
	b = protowire.AppendTag(b, imageEncoded, protowire.BytesType)
	b = protowire.AppendBytes(b, img.EncodedString)
	return b
}

func marshalAudio(au *event.AudioValue) []byte {
	var b []byte
	b = protowire.AppendTag(b, audioSampleRate, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(au.SampleRate))
	if au.NumChannels != 0 {
		b = protowire.AppendTag(b, audioNumChannels, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(au.NumChannels))
	}
	b = protowire.AppendTag(b, audioLengthFrames, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(au.LengthFrames))
	b = protowire.AppendTag(b, audioEncoded, protowire.BytesType)
	b = protowire.AppendBytes(b, au.EncodedString)
	if au.ContentType != "" {
		b = protowire.AppendTag(b, audioContentType, protowire.BytesType)
		b = protowire.AppendString(b, au.ContentType)
	}
	return b
}

func marshalTensor(t *event.TensorValue) []byte {
	var b []byte
	if t.DType != 0 {
		b = protowire.AppendTag(b, tensorDType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.DType))
	}
	if len(t.Shape) > 0 {
		var shape []byte
		for _, size := range t.Shape {
			var dim []byte
			dim = protowire.AppendTag(dim, dimSize, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(size))
			shape = protowire.AppendTag(shape, shapeDim, protowire.BytesType)
			shape = protowire.AppendBytes(shape, dim)
		}
		b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, shape)
	}
	if t.Content != nil {
		b = protowire.AppendTag(b, tensorContent, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Content)
	}
	return b
}

func marshalSessionLog(sl *event.SessionLog) []byte {
	var b []byte
	b = protowire.AppendTag(b, sessionStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(sl.Status))
	if sl.CheckpointPath != "" {
		b = protowire.AppendTag(b, sessionCheckpoint, protowire.BytesType)
		b = protowire.AppendString(b, sl.CheckpointPath)
	}
	if sl.Msg != "" {
		b = protowire.AppendTag(b, sessionMsg, protowire.BytesType)
		b = protowire.AppendString(b, sl.Msg)
	}
	return b
}

func marshalTaggedRunMetadata(rm *event.TaggedRunMetadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, taggedMetaTag, protowire.BytesType)
	b = protowire.AppendString(b, rm.Tag)
	b = protowire.AppendTag(b, taggedMetaBytes, protowire.BytesType)
	b = protowire.AppendBytes(b, rm.Metadata)
	return b
}
