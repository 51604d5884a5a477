package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"id":"ADG_1"}`)))
	require.NoError(t, WriteFrame(&buf, []byte{}))

	assert.Equal(t, uint32(14), binary.LittleEndian.Uint32(buf.Bytes()[:4]))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"ADG_1"}`, string(first))

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, second)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 10)
	_, err := ReadFrame(bytes.NewReader(append(header, 'x')))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
