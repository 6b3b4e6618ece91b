package swarm

import (
	"github.com/anacrolix/swarm/types"

	pp "github.com/anacrolix/swarm/peer_protocol"
)

// The message set a session speaks, fixed once the handshake resolves. The variants differ in which
// messages exist and how choking and refusals are expressed on the wire.
type wireProtocol interface {
	String() string
	// Whether the peer may send this message type.
	permits(pp.MessageType) bool
	// Returns nil for messages the variant can't carry.
	encode(pp.Message) []byte
	sendPossession(s *PeerSession)
	onChokedByPeer(s *PeerSession)
	// A request we won't serve.
	refuseRequest(s *PeerSession, r types.Request)
}

func selectProtocol(ours, theirs pp.PeerExtensionBits) wireProtocol {
	if ours.SupportsFast() && theirs.SupportsFast() {
		return fastProtocol{}
	}
	return standardProtocol{}
}

type standardProtocol struct{}

func (standardProtocol) String() string { return "standard" }

func (standardProtocol) permits(mt pp.MessageType) bool {
	return !mt.FastExtension()
}

func (standardProtocol) encode(msg pp.Message) []byte {
	if !msg.Keepalive && msg.Type.FastExtension() {
		return nil
	}
	return msg.MustMarshalBinary()
}

func (standardProtocol) sendPossession(s *PeerSession) {
	if s.t.have.IsEmpty() {
		return
	}
	s.write(s.t.bitfieldMessage())
}

// The peer discards everything we asked for.
func (standardProtocol) onChokedByPeer(s *PeerSession) {
	s.releaseRequests(func(types.PieceBlock) bool { return true })
}

func (standardProtocol) refuseRequest(*PeerSession, types.Request) {}

// BEP 6. Adds have-all, have-none, reject, allowed-fast and suggest.
type fastProtocol struct{}

func (fastProtocol) String() string { return "fast" }

func (fastProtocol) permits(pp.MessageType) bool {
	return true
}

func (fastProtocol) encode(msg pp.Message) []byte {
	return msg.MustMarshalBinary()
}

func (fastProtocol) sendPossession(s *PeerSession) {
	switch {
	case s.t.seeding():
		s.write(pp.Message{Type: pp.HaveAll})
	case s.t.have.IsEmpty():
		s.write(pp.Message{Type: pp.HaveNone})
	default:
		s.write(s.t.bitfieldMessage())
	}
}

// Requests in the peer's allowed fast set stand. Others will be rejected, but we don't wait for that.
func (fastProtocol) onChokedByPeer(s *PeerSession) {
	s.releaseRequests(func(b types.PieceBlock) bool {
		return !s.peerAllowedFast.Contains(uint32(b.Piece))
	})
}

func (fastProtocol) refuseRequest(s *PeerSession, r types.Request) {
	s.write(pp.RequestMessage(pp.Reject, r))
}
