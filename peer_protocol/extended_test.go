package peer_protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	msg, err := ExtendedHandshakeMessage{V: "swarm 0.1", Reqq: 8}.Message()
	require.NoError(t, err)
	assert.Equal(t, Extended, msg.Type)
	assert.EqualValues(t, HandshakeExtendedID, msg.ExtendedID)
	var decoded Message
	require.NoError(t, decoded.UnmarshalBinary(msg.MustMarshalBinary()))
	hs, err := UnmarshalExtendedHandshake(decoded.ExtendedPayload)
	require.NoError(t, err)
	assert.Equal(t, 8, hs.Reqq)
	assert.Equal(t, "swarm 0.1", hs.V)
}

func TestUnmarshalExtendedHandshakeGarbage(t *testing.T) {
	_, err := UnmarshalExtendedHandshake([]byte("not bencode"))
	assert.Error(t, err)
}
