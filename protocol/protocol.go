// Package protocol implements record framing for the text hub protocol.
//
// A connection carries a stream of records. Each record is one UTF-8 JSON object
// terminated by the record separator byte 0x1e. A single transport read may hold
// several records, or only part of one, so the reader keeps a growable buffer and
// extracts records only once their separator has arrived.
//
// Stream format:
//
//	┌──────────────┬──┬──────────────┬──┬──────────┐
//	│ {"type":1,…} │1e│ {"type":6}   │1e│ {"type": │  ← partial record stays buffered
//	└──────────────┴──┴──────────────┴──┴──────────┘
package protocol

import (
	"bytes"
	"errors"
	"io"
)

// RecordSeparator terminates every record on the wire.
const RecordSeparator byte = 0x1e

const (
	// DefaultMaxRecordSize bounds the bytes buffered while waiting for a separator.
	DefaultMaxRecordSize = 1 << 20
	minReadSize          = 4096
)

var ErrRecordTooLarge = errors.New("protocol: record exceeds maximum size")

// TryExtractRecord returns the first complete record in buf and the bytes after it.
// The record excludes the delimiter and aliases buf. When no delimiter is present it
// returns nil, buf, false and the caller should append more bytes and retry.
func TryExtractRecord(buf []byte, delim byte) (record, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, delim)
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+1:], true
}

// AppendRecord appends payload and the record separator to dst.
func AppendRecord(dst, payload []byte) []byte {
	dst = append(dst, payload...)
	return append(dst, RecordSeparator)
}

// WriteRecord writes payload followed by the record separator in a single Write.
// The caller must serialize writers sharing w, otherwise records interleave.
func WriteRecord(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	_, err := w.Write(AppendRecord(buf, payload))
	return err
}

// Reader pulls records out of an io.Reader. It is owned by one connection and is not
// safe for concurrent use.
type Reader struct {
	r       io.Reader
	buf     []byte // unread bytes; buf[start:] is pending
	start   int
	maxSize int
}

// NewReader returns a Reader over r. maxSize <= 0 selects DefaultMaxRecordSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	return &Reader{r: r, maxSize: maxSize}
}

// Next returns the next record. The returned slice is valid until the following call.
// io.EOF is returned only when the stream ends on a record boundary; a stream that
// ends inside a record yields io.ErrUnexpectedEOF.
func (rd *Reader) Next() ([]byte, error) {
	for {
		record, _, ok := TryExtractRecord(rd.buf[rd.start:], RecordSeparator)
		if ok {
			if len(record) > rd.maxSize {
				return nil, ErrRecordTooLarge
			}
			rd.start += len(record) + 1
			return record, nil
		}

		pending := len(rd.buf) - rd.start
		if pending > rd.maxSize {
			return nil, ErrRecordTooLarge
		}

		// Compact before growing so a long-lived connection does not keep
		// consumed records alive.
		if rd.start > 0 {
			n := copy(rd.buf, rd.buf[rd.start:])
			rd.buf = rd.buf[:n]
			rd.start = 0
		}
		if cap(rd.buf)-len(rd.buf) < minReadSize {
			grown := make([]byte, len(rd.buf), 2*cap(rd.buf)+minReadSize)
			copy(grown, rd.buf)
			rd.buf = grown
		}

		n, err := rd.r.Read(rd.buf[len(rd.buf):cap(rd.buf)])
		rd.buf = rd.buf[:len(rd.buf)+n]
		if err != nil {
			if n > 0 {
				continue
			}
			if errors.Is(err, io.EOF) && len(rd.buf) > rd.start {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes read from the source but not yet returned.
func (rd *Reader) Buffered() int {
	return len(rd.buf) - rd.start
}
