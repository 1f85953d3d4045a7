package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryExtractBackToBackRecords(t *testing.T) {
	buf := []byte("{\"type\":6}\x1e{\"type\":7}\x1e{\"type\":")

	first, rest, ok := TryExtractRecord(buf, RecordSeparator)
	require.True(t, ok)
	assert.Equal(t, `{"type":6}`, string(first))

	second, rest, ok := TryExtractRecord(rest, RecordSeparator)
	require.True(t, ok)
	assert.Equal(t, `{"type":7}`, string(second))

	// Trailing partial record stays untouched.
	record, remaining, ok := TryExtractRecord(rest, RecordSeparator)
	assert.False(t, ok)
	assert.Nil(t, record)
	assert.Equal(t, `{"type":`, string(remaining))
}

func TestTryExtractIncompleteLeavesBuffer(t *testing.T) {
	buf := []byte(`{"type":1,"target":"Add"`)
	_, rest, ok := TryExtractRecord(buf, RecordSeparator)
	require.False(t, ok)
	assert.Equal(t, len(buf), len(rest))
	assert.Same(t, &buf[0], &rest[0])

	buf = append(buf, []byte(",\"arguments\":[]}\x1e")...)
	record, rest, ok := TryExtractRecord(buf, RecordSeparator)
	require.True(t, ok)
	assert.Equal(t, `{"type":1,"target":"Add","arguments":[]}`, string(record))
	assert.Empty(t, rest)
}

func TestTryExtractCustomDelimiter(t *testing.T) {
	record, rest, ok := TryExtractRecord([]byte("a\nb"), '\n')
	require.True(t, ok)
	assert.Equal(t, "a", string(record))
	assert.Equal(t, "b", string(rest))
}

func TestWriteRecord(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, []byte(`{"type":6}`)))
	require.NoError(t, WriteRecord(&buf, []byte(`{"type":7}`)))
	assert.Equal(t, "{\"type\":6}\x1e{\"type\":7}\x1e", buf.String())
}

func TestReaderSplitsRecords(t *testing.T) {
	stream := "{\"type\":6}\x1e{\"type\":1,\"target\":\"Add\",\"arguments\":[1,2]}\x1e"
	// OneByteReader forces the reader to assemble records across many reads.
	rd := NewReader(iotest.OneByteReader(strings.NewReader(stream)), 0)

	rec, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":6}`, string(rec))

	rec, err = rd.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":1,"target":"Add","arguments":[1,2]}`, string(rec))

	_, err = rd.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedStream(t *testing.T) {
	rd := NewReader(strings.NewReader("{\"type\":6}\x1e{\"type\""), 0)

	_, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, len(`{"type"`), rd.Buffered())

	_, err = rd.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderRecordTooLarge(t *testing.T) {
	big := strings.Repeat("x", 64)
	rd := NewReader(strings.NewReader(big+"\x1e"), 16)
	_, err := rd.Next()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

// A record of exactly the maximum size is accepted however the bytes are split
// across reads; one byte more is rejected.
func TestReaderRecordAtLimit(t *testing.T) {
	rec := strings.Repeat("x", 8)
	for _, r := range []io.Reader{
		strings.NewReader(rec + "\x1e"),
		iotest.OneByteReader(strings.NewReader(rec + "\x1e")),
		io.MultiReader(strings.NewReader(rec), strings.NewReader("\x1e")),
	} {
		got, err := NewReader(r, 8).Next()
		require.NoError(t, err)
		assert.Equal(t, rec, string(got))
	}

	over := rec + "x"
	for _, r := range []io.Reader{
		strings.NewReader(over + "\x1e"),
		iotest.OneByteReader(strings.NewReader(over + "\x1e")),
	} {
		_, err := NewReader(r, 8).Next()
		assert.ErrorIs(t, err, ErrRecordTooLarge)
	}
}

func TestReaderLargeRecord(t *testing.T) {
	payload := `{"type":2,"invocationId":"1","item":"` + strings.Repeat("a", 100*1024) + `"}`
	rd := NewReader(strings.NewReader(payload+"\x1e"), 0)
	rec, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, payload, string(rec))
}
