package peer_protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/swarm/types"
)

func TestConstants(t *testing.T) {
	// check that iota works as expected in the const block
	assert.EqualValues(t, 3, NotInterested)
	assert.EqualValues(t, 9, Port)
	assert.EqualValues(t, 17, AllowedFast)
	assert.True(t, Reject.FastExtension())
	assert.False(t, Cancel.FastExtension())
}

func TestBitfieldEncode(t *testing.T) {
	bf := make([]bool, 37)
	bf[2] = true
	bf[7] = true
	bf[32] = true
	s := string(Message{Type: Bitfield, Bitfield: bf}.MustMarshalBinary())
	const expected = "\x00\x00\x00\x06\x05\x21\x00\x00\x00\x80"
	assert.Equal(t, expected, s)
}

func TestHaveEncode(t *testing.T) {
	actual := string(Message{Type: Have, Index: 42}.MustMarshalBinary())
	assert.Equal(t, "\x00\x00\x00\x05\x04\x00\x00\x00\x2a", actual)
}

func TestKeepaliveEncode(t *testing.T) {
	assert.Equal(t, "\x00\x00\x00\x00", string(Message{Keepalive: true}.MustMarshalBinary()))
}

func TestRequestEncode(t *testing.T) {
	r := types.Request{Index: 1, ChunkSpec: types.ChunkSpec{Begin: 1 << 14, Length: 1 << 14}}
	b := MakeRequestMessage(r).MustMarshalBinary()
	assert.Equal(t, "\x00\x00\x00\x0d\x06\x00\x00\x00\x01\x00\x00\x40\x00\x00\x00\x40\x00", string(b))
	var msg Message
	require.NoError(t, msg.UnmarshalBinary(b))
	assert.Equal(t, r, msg.RequestSpec())
}

func TestPieceRequestSpecUsesPayloadLength(t *testing.T) {
	msg := Message{Type: Piece, Index: 3, Begin: 16, Piece: make([]byte, 7)}
	assert.EqualValues(t, 7, msg.RequestSpec().Length)
}

func TestUnknownMessageTypeMarshal(t *testing.T) {
	_, err := Message{Type: 99}.MarshalBinary()
	assert.Error(t, err)
}
