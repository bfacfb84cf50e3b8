package tfevent

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/event"
	"github.com/xtxerr/runlog/internal/logging"
)

// Record framing (all integers little-endian):
// - payload length (8 bytes)
// - masked CRC32-C of the length bytes (4 bytes)
// - payload
// - masked CRC32-C of the payload (4 bytes)
const (
	lengthSize = 8
	crcSize    = 4
	headerSize = lengthSize + crcSize
)

// maxRecordSize bounds a single record. Anything larger is treated as
// corruption rather than an allocation request.
const maxRecordSize = 256 * 1024 * 1024

// RecordReader reads framed records from an open file, tracking its byte
// offset so a partially written tail can be retried once the writer
// finishes it.
type RecordReader struct {
	file   *os.File
	offset int64

	stats ReaderStats
}

// ReaderStats holds record reader counters.
type ReaderStats struct {
	RecordsRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewRecordReader creates a reader positioned at the start of the file.
func NewRecordReader(path string) (*RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open record file")
	}
	return &RecordReader{file: f}, nil
}

// ReadRecord returns the next record payload.
//
// ErrTruncatedRecord means the tail of the file is incomplete; the offset is
// left unchanged so the same position is retried after the writer appends
// the rest. ErrCorruptRecord means a checksum failed; reading cannot safely
// resync past it. io.EOF means the file ends exactly on a record boundary.
func (r *RecordReader) ReadRecord() ([]byte, error) {
	var header [headerSize]byte
	n, err := r.file.ReadAt(header[:], r.offset)
	if err == io.EOF {
		if n == 0 {
			return nil, io.EOF
		}
		return nil, errors.ErrTruncatedRecord
	}
	if err != nil {
		return nil, errors.Wrap(err, "read record header")
	}

	lengthBytes := header[:lengthSize]
	length := binary.LittleEndian.Uint64(lengthBytes)
	lengthCRC := binary.LittleEndian.Uint32(header[lengthSize:])

	if maskedCRC(lengthBytes) != lengthCRC {
		r.stats.CorruptRecords++
		return nil, errors.Wrap(errors.ErrCorruptRecord, "length checksum mismatch")
	}
	if length > maxRecordSize {
		r.stats.CorruptRecords++
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "record of %d bytes", length)
	}

	body := make([]byte, length+crcSize)
	if _, err := r.file.ReadAt(body, r.offset+headerSize); err != nil {
		if err == io.EOF {
			return nil, errors.ErrTruncatedRecord
		}
		return nil, errors.Wrap(err, "read record payload")
	}

	payload := body[:length]
	payloadCRC := binary.LittleEndian.Uint32(body[length:])
	if maskedCRC(payload) != payloadCRC {
		r.stats.CorruptRecords++
		return nil, errors.Wrap(errors.ErrCorruptRecord, "payload checksum mismatch")
	}

	r.offset += headerSize + int64(length) + crcSize
	r.stats.RecordsRead++
	r.stats.BytesRead += headerSize + int64(length) + crcSize

	return payload, nil
}

// Offset returns the current byte offset.
func (r *RecordReader) Offset() int64 {
	return r.offset
}

// Stats returns reader counters.
func (r *RecordReader) Stats() ReaderStats {
	return r.stats
}

// Close closes the underlying file.
func (r *RecordReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// FileSource decodes a run log file into events, implementing event.Source.
// It buffers the per-summary-value fan-out of a single record and stops at
// the first truncated or corrupt record; a truncated tail is retried on the
// next drain.
type FileSource struct {
	reader  *RecordReader
	pending []event.Event
	halted  bool
	log     *slog.Logger
}

// NewFileSource opens a run log file as an event source.
func NewFileSource(path string) (*FileSource, error) {
	r, err := NewRecordReader(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{
		reader: r,
		log:    logging.Component("tfevent").With("path", path),
	}, nil
}

// Next returns the next decoded event. ok=false means no complete new
// record is currently available; the writer may still be appending.
func (s *FileSource) Next() (event.Event, bool, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, true, nil
		}
		if s.halted {
			return event.Event{}, false, nil
		}

		payload, err := s.reader.ReadRecord()
		if err == io.EOF || errors.Is(err, errors.ErrTruncatedRecord) {
			return event.Event{}, false, nil
		}
		if errors.Is(err, errors.ErrCorruptRecord) {
			// Cannot resync past a bad checksum; everything after it
			// is unreadable.
			s.halted = true
			s.log.Warn("corrupt record; ignoring remainder of file", "offset", s.reader.Offset(), "error", err)
			return event.Event{}, false, nil
		}
		if err != nil {
			return event.Event{}, false, err
		}

		events, err := UnmarshalEvents(payload)
		if err != nil {
			// Skip the undecodable record, keep draining.
			s.log.Warn("skipping malformed event record", "error", err)
			continue
		}
		s.pending = events
	}
}

// Stats returns the underlying reader's counters.
func (s *FileSource) Stats() ReaderStats {
	return s.reader.Stats()
}

// Close closes the source.
func (s *FileSource) Close() error {
	return s.reader.Close()
}
