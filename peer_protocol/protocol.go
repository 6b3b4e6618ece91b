package peer_protocol

import (
	"encoding/binary"
	"fmt"
)

type (
	MessageType byte
	Integer     uint32
)

const Protocol = "\x13BitTorrent protocol"

const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
	Port                      // 9

	// BEP 6 - Fast extension
	Suggest     MessageType = 0x0d // 13
	HaveAll     MessageType = 0x0e // 14
	HaveNone    MessageType = 0x0f // 15
	Reject      MessageType = 0x10 // 16
	AllowedFast MessageType = 0x11 // 17

	// BEP 10
	Extended MessageType = 20
)

const (
	HandshakeExtendedID = 0
)

func (mt MessageType) FastExtension() bool {
	return mt >= Suggest && mt <= AllowedFast
}

// Messages that declare everything a peer has. They're only valid as the first message.
func (mt MessageType) Possession() bool {
	return mt == Bitfield || mt == HaveAll || mt == HaveNone
}

func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	case Suggest:
		return "Suggest"
	case HaveAll:
		return "HaveAll"
	case HaveNone:
		return "HaveNone"
	case Reject:
		return "Reject"
	case AllowedFast:
		return "AllowedFast"
	case Extended:
		return "Extended"
	}
	return fmt.Sprintf("MessageType(%d)", byte(mt))
}

// The exact payload length after the type byte, or -1 if the message type has a variable
// length.
func (mt MessageType) fixedPayloadLen() int {
	switch mt {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		return 0
	case Have, Suggest, AllowedFast:
		return 4
	case Request, Cancel, Reject:
		return 12
	case Port:
		return 2
	}
	return -1
}

func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Uint32() uint32 {
	return uint32(i)
}

func readInteger(b []byte) Integer {
	return Integer(binary.BigEndian.Uint32(b))
}
