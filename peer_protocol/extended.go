package peer_protocol

import (
	"bytes"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// The bencoded dictionary exchanged as extended message 0 (BEP 10). Only the fields the engine acts
// on are decoded.
type ExtendedHandshakeMessage struct {
	M map[string]int `bencode:"m"`
	V string         `bencode:"v,omitempty"`
	// The number of outstanding requests the sender will queue for us.
	Reqq int `bencode:"reqq,omitempty"`
	// The sender's listen port.
	Port int `bencode:"p,omitempty"`
}

func (me ExtendedHandshakeMessage) Message() (Message, error) {
	var buf bytes.Buffer
	if me.M == nil {
		me.M = map[string]int{}
	}
	if err := bencode.Marshal(&buf, me); err != nil {
		return Message{}, errors.Wrap(err, "marshalling extended handshake")
	}
	return Message{
		Type:            Extended,
		ExtendedID:      HandshakeExtendedID,
		ExtendedPayload: buf.Bytes(),
	}, nil
}

func UnmarshalExtendedHandshake(payload []byte) (ret ExtendedHandshakeMessage, err error) {
	err = bencode.Unmarshal(bytes.NewReader(payload), &ret)
	if err != nil {
		err = errors.Wrap(err, "unmarshalling extended handshake payload")
	}
	return
}
