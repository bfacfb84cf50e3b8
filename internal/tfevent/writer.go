package tfevent

import (
	"encoding/binary"
	"os"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/event"
)

// RecordWriter writes framed records in the run log format. It exists for
// tooling and tests; the daemon itself only reads.
type RecordWriter struct {
	file *os.File
}

// NewRecordWriter creates (or truncates) a record file.
func NewRecordWriter(path string) (*RecordWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create record file")
	}
	return &RecordWriter{file: f}, nil
}

// WriteRecord frames and writes one payload.
func (w *RecordWriter) WriteRecord(payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:lengthSize], uint64(len(payload)))
	binary.LittleEndian.PutUint32(header[lengthSize:], maskedCRC(header[:lengthSize]))

	var footer [crcSize]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(payload))

	if _, err := w.file.Write(header[:]); err != nil {
		return errors.Wrap(err, "write record header")
	}
	if _, err := w.file.Write(payload); err != nil {
		return errors.Wrap(err, "write record payload")
	}
	if _, err := w.file.Write(footer[:]); err != nil {
		return errors.Wrap(err, "write record footer")
	}
	return nil
}

// WriteEvent marshals and writes one event.
func (w *RecordWriter) WriteEvent(ev *event.Event) error {
	return w.WriteRecord(MarshalEvent(ev))
}

// Sync flushes the file to disk.
func (w *RecordWriter) Sync() error {
	return w.file.Sync()
}

// Close closes the writer.
func (w *RecordWriter) Close() error {
	return w.file.Close()
}
