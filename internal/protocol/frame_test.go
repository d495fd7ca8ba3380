package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	payload := []byte(`{"type":"authenticate","request_id":"r1"}`)
	frame, err := codec.Seal(payload)
	require.NoError(t, err)

	got, err := codec.ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameKeysDifferPerSecret(t *testing.T) {
	a, err := NewCodec("secret-a")
	require.NoError(t, err)
	b, err := NewCodec("secret-b")
	require.NoError(t, err)

	frame, err := a.Seal([]byte("hello"))
	require.NoError(t, err)

	_, err = b.ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestFrameTamperedBody(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	frame, err := codec.Seal([]byte("hello"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xff

	_, err = codec.ReadFrame(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestFrameZeroLength(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	_, err = codec.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestFrameTooLarge(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	var head [4]byte
	binary.BigEndian.PutUint32(head[:], MaxFrameSize+1)
	_, err = codec.ReadFrame(bytes.NewReader(head[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameShortRead(t *testing.T) {
	codec, err := NewCodec("test-secret")
	require.NoError(t, err)

	frame, err := codec.Seal([]byte("hello"))
	require.NoError(t, err)

	// Truncated body surfaces the transport error, not a protocol error.
	_, err = codec.ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
