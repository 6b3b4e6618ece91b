package peer_protocol

import (
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/anacrolix/swarm/types"
)

// This is a lazy union representing all the possible fields for messages. Go doesn't have ADTs, and
// I didn't choose to use type-assertions. Fields are ordered to minimize struct size and padding.
type Message struct {
	Piece                []byte
	Bitfield             []bool
	ExtendedPayload      []byte
	Index, Begin, Length Integer
	Port                 uint16
	Type                 MessageType
	ExtendedID           byte
	Keepalive            bool
}

var _ interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
} = (*Message)(nil)

func MakeRequestMessage(r types.Request) Message {
	return RequestMessage(Request, r)
}

// Builds a request, cancel or reject message for r.
func RequestMessage(mt MessageType, r types.Request) Message {
	return Message{
		Type:   mt,
		Index:  Integer(r.Index),
		Begin:  Integer(r.Begin),
		Length: Integer(r.Length),
	}
}

// The byte range the message refers to. For piece messages the length is that of the payload.
func (msg Message) RequestSpec() types.Request {
	length := msg.Length
	if msg.Type == Piece {
		length = Integer(len(msg.Piece))
	}
	return types.Request{
		Index: uint32(msg.Index),
		ChunkSpec: types.ChunkSpec{
			Begin:  uint32(msg.Begin),
			Length: uint32(length),
		},
	}
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Returns the payload length following the 4 byte length prefix.
func (msg Message) GetDataLength() (length int, err error) {
	if msg.Keepalive {
		return 0, nil
	}
	length = 1
	if n := msg.Type.fixedPayloadLen(); n >= 0 {
		return length + n, nil
	}
	switch msg.Type {
	case Bitfield:
		length += (len(msg.Bitfield) + 7) / 8
	case Piece:
		length += 8 + len(msg.Piece)
	case Extended:
		length += 1 + len(msg.ExtendedPayload)
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

// Appends the length-prefixed wire encoding of msg to b.
func (msg Message) AppendBinary(b []byte) ([]byte, error) {
	dataLen, err := msg.GetDataLength()
	if err != nil {
		return b, err
	}
	b = binary.BigEndian.AppendUint32(b, uint32(dataLen))
	if msg.Keepalive {
		return b, nil
	}
	b = append(b, byte(msg.Type))
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, AllowedFast, Suggest:
		b = binary.BigEndian.AppendUint32(b, uint32(msg.Index))
	case Request, Cancel, Reject:
		for _, i := range []Integer{msg.Index, msg.Begin, msg.Length} {
			b = binary.BigEndian.AppendUint32(b, uint32(i))
		}
	case Bitfield:
		b = append(b, marshalBitfield(msg.Bitfield)...)
	case Piece:
		b = binary.BigEndian.AppendUint32(b, uint32(msg.Index))
		b = binary.BigEndian.AppendUint32(b, uint32(msg.Begin))
		b = append(b, msg.Piece...)
	case Extended:
		b = append(b, msg.ExtendedID)
		b = append(b, msg.ExtendedPayload...)
	case Port:
		b = binary.BigEndian.AppendUint16(b, msg.Port)
	}
	return b, nil
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	n, err := msg.GetDataLength()
	if err != nil {
		return
	}
	return msg.AppendBinary(make([]byte, 0, 4+n))
}

func (me *Message) UnmarshalBinary(b []byte) error {
	d := Decoder{MaxLength: Integer(len(b))}
	d.Write(b)
	ok, err := d.Next(me)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("incomplete message: %d bytes", len(b))
	}
	if d.Buffered() != 0 {
		return fmt.Errorf("%d trailing bytes", d.Buffered())
	}
	return nil
}

// Decodes the body of a message following the length prefix. Piece and extended payloads are
// copied so the caller's buffer can be reused.
func (msg *Message) unmarshalBody(body []byte) error {
	msg.Type = MessageType(body[0])
	payload := body[1:]
	if n := msg.Type.fixedPayloadLen(); n >= 0 && len(payload) != n {
		return fmt.Errorf("%v message has payload length %d, expected %d", msg.Type, len(payload), n)
	}
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, AllowedFast, Suggest:
		msg.Index = readInteger(payload)
	case Request, Cancel, Reject:
		msg.Index = readInteger(payload)
		msg.Begin = readInteger(payload[4:])
		msg.Length = readInteger(payload[8:])
	case Bitfield:
		msg.Bitfield = unmarshalBitfield(payload)
	case Piece:
		if len(payload) < 8 {
			return fmt.Errorf("piece message too short: %d", len(payload))
		}
		msg.Index = readInteger(payload)
		msg.Begin = readInteger(payload[4:])
		msg.Piece = append([]byte(nil), payload[8:]...)
	case Port:
		msg.Port = binary.BigEndian.Uint16(payload)
	case Extended:
		if len(payload) < 1 {
			return fmt.Errorf("extended message missing id")
		}
		msg.ExtendedID = payload[0]
		msg.ExtendedPayload = append([]byte(nil), payload[1:]...)
	default:
		return fmt.Errorf("unknown message type %#v", byte(msg.Type))
	}
	return nil
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}

func marshalBitfield(bf []bool) (b []byte) {
	b = make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if !have {
			continue
		}
		c := b[i/8]
		c |= 1 << uint(7-i%8)
		b[i/8] = c
	}
	return
}
