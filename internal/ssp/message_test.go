// internal/ssp/message_test.go
package ssp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSyncFrame(t *testing.T) {
	// The canonical SYNC packet from the protocol documentation.
	raw := Encode(Frame{Address: 0, Sequence: true, Data: []byte{0x11}})
	assert.Equal(t, []byte{0x7F, 0x80, 0x01, 0x11, 0x65, 0x82}, raw)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"empty payload", Frame{Data: []byte{}}},
		{"poll command", Frame{Sequence: true, Data: []byte{0x07}}},
		{"payload containing the start marker", Frame{Data: []byte{0x7F, 0x7F, 0x01}}},
		{"payload ending with the start marker", Frame{Sequence: true, Data: []byte{0x02, 0x7F}}},
		{"long payload", Frame{Data: make([]byte, 200)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Encode(tt.frame)

			var r FrameReader
			r.Feed(raw)
			body, err := r.Next()
			require.NoError(t, err)
			require.NotNil(t, body)

			decoded, err := Decode(body)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Sequence, decoded.Sequence)
			assert.Equal(t, []byte(tt.frame.Data), decoded.Data)
		})
	}
}

func TestFrameReaderSplitAcrossReads(t *testing.T) {
	frame := Frame{Sequence: true, Data: []byte{0x0A, 0x7F, 0x33}}
	raw := Encode(frame)

	var r FrameReader
	for _, b := range raw {
		body, err := r.Next()
		require.NoError(t, err)
		assert.Nil(t, body, "frame completed before all bytes arrived")
		r.Feed([]byte{b})
	}

	body, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, body)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, frame.Data, decoded.Data)
}

func TestFrameReaderSkipsLeadingNoise(t *testing.T) {
	raw := Encode(Frame{Data: []byte{0x07}})

	var r FrameReader
	r.Feed([]byte{0x00, 0x55, 0xAA})
	r.Feed(raw)

	body, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, body)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, decoded.Data)
}

func TestFrameReaderBackToBackFrames(t *testing.T) {
	first := Encode(Frame{Data: []byte{0x07}})
	second := Encode(Frame{Sequence: true, Data: []byte{0x0A}})

	var r FrameReader
	r.Feed(append(append([]byte{}, first...), second...))

	body, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, body)
	f1, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, f1.Data)
	assert.False(t, f1.Sequence)

	body, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, body)
	f2, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0A}, f2.Data)
	assert.True(t, f2.Sequence)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	raw := Encode(Frame{Data: []byte{0x07}})
	raw[len(raw)-1] ^= 0xFF

	var r FrameReader
	r.Feed(raw)
	body, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, body)

	_, err = Decode(body)
	var frameErr *FrameError
	assert.ErrorAs(t, err, &frameErr)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01})
	var frameErr *FrameError
	assert.ErrorAs(t, err, &frameErr)
}
