package swarm

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/anacrolix/swarm/types"
)

var (
	ErrTransferClosed   = errors.New("transfer closed")
	ErrUnknownSession   = errors.New("unknown session")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
)

// Why a session ended.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonProtocolViolation
	ReasonMessageTooLong
	ReasonHandshakeMismatch
	ReasonTimedOut
	ReasonRequestTimeouts
	ReasonRedundant
	ReasonTransportError
	ReasonClosedByUser
	ReasonTransferClosed
	ReasonDuplicatePeerID
	ReasonTooManyInvalidRequests
)

var reasonStrings = map[DisconnectReason]string{
	ReasonNone:                   "none",
	ReasonProtocolViolation:      "protocol violation",
	ReasonMessageTooLong:         "message too long",
	ReasonHandshakeMismatch:      "handshake mismatch",
	ReasonTimedOut:               "timed out",
	ReasonRequestTimeouts:        "repeated request timeouts",
	ReasonRedundant:              "redundant",
	ReasonTransportError:         "transport error",
	ReasonClosedByUser:           "closed by user",
	ReasonTransferClosed:         "transfer closed",
	ReasonDuplicatePeerID:        "duplicate peer id",
	ReasonTooManyInvalidRequests: "too many invalid requests",
}

func (r DisconnectReason) String() string {
	if s, ok := reasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("DisconnectReason(%d)", int(r))
}

// Reasons that indicate the peer misbehaved rather than the connection failing.
func (r DisconnectReason) ProtocolError() bool {
	switch r {
	case ReasonProtocolViolation, ReasonMessageTooLong, ReasonHandshakeMismatch, ReasonTooManyInvalidRequests:
		return true
	}
	return false
}

// Delivered through Callbacks.PeerDisconnected once per session.
type DisconnectEvent struct {
	Handle     SessionHandle
	RemoteAddr net.Addr
	PeerID     types.PeerID
	Reason     DisconnectReason
	Err        error
}

func (me DisconnectEvent) String() string {
	if me.Err == nil {
		return fmt.Sprintf("%v disconnected: %v", me.RemoteAddr, me.Reason)
	}
	return fmt.Sprintf("%v disconnected: %v: %v", me.RemoteAddr, me.Reason, me.Err)
}

// A protocol violation with the offending message type.
type protocolError struct {
	msg string
}

func (me protocolError) Error() string {
	return me.msg
}

func protocolErrorf(format string, args ...any) error {
	return protocolError{fmt.Sprintf(format, args...)}
}
