package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 0, &Feed{DiscoveryKey: []byte("key")}))
	require.NoError(t, WriteFrame(&buf, 3, &Request{Index: 1000}))
	require.NoError(t, WriteFrame(&buf, 300, &Want{}))

	fr := NewFrameReader(&buf, 0)

	f, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.Channel)
	assert.Equal(t, KindFeed, f.Kind)
	m, err := f.Message()
	require.NoError(t, err)
	assert.Equal(t, &Feed{DiscoveryKey: []byte("key")}, m)

	f, err = fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.Channel)
	m, err = f.Message()
	require.NoError(t, err)
	assert.Equal(t, &Request{Index: 1000}, m)

	f, err = fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(300), f.Channel)
	assert.Equal(t, KindWant, f.Kind)
	assert.Empty(t, f.Payload)

	_, err = fr.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameKnownBytes(t *testing.T) {
	// Body is header varint(1<<4|7)=0x17 then Request{Index: 5} = 08 05.
	got := AppendFrame(nil, 1, &Request{Index: 5})
	assert.Equal(t, []byte{0x03, 0x17, 0x08, 0x05}, got)
}

func TestFrameTooLong(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 0, &Data{Value: make([]byte, 100)}))

	_, err := NewFrameReader(&buf, 16).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestFrameTruncated(t *testing.T) {
	full := AppendFrame(nil, 0, &Data{Value: []byte("truncated")})

	_, err := NewFrameReader(bytes.NewReader(full[:len(full)-2]), 0).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewFrameReader(bytes.NewReader([]byte{0x80}), 0).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
