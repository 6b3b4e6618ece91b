package swarm

import (
	"slices"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	pp "github.com/anacrolix/swarm/peer_protocol"
)

// Suggestions beyond this many are dropped.
const maxSuggestedPieces = 16

// Accepts bytes from the transport in whatever sizes they arrive, and dispatches every complete
// message.
func (s *PeerSession) receive(b []byte) {
	if s.disconnected() {
		return
	}
	now := s.now()
	s.lastReceive = now
	s.allStats(func(cs *ConnStats) { cs.BytesRead.Add(int64(len(b))) })
	s.dec.Write(b)
	if s.state == ConnStateHandshaking {
		hs, ok, err := s.dec.NextHandshake()
		if err != nil {
			s.t.disconnect(s, ReasonHandshakeMismatch, err)
			return
		}
		if !ok {
			return
		}
		if reason, err := s.onHandshake(hs); err != nil {
			s.t.disconnect(s, reason, err)
			return
		}
	}
	for s.established() {
		var msg pp.Message
		ok, err := s.dec.Next(&msg)
		if err != nil {
			var tooLong pp.MessageTooLongError
			if errors.As(err, &tooLong) {
				s.t.disconnect(s, ReasonMessageTooLong, err)
			} else {
				s.t.disconnect(s, ReasonProtocolViolation, err)
			}
			return
		}
		if !ok {
			break
		}
		if err := s.dispatch(&msg); err != nil {
			s.t.disconnect(s, ReasonProtocolViolation, err)
			return
		}
		if s.disconnected() {
			return
		}
		s.checkInvariants()
	}
	if s.downloadLimited() && s.down.QuotaLeft() == 0 && !s.receivePaused {
		s.receivePaused = true
		s.transport.SetReceiveEnabled(false)
		s.t.downPool.Request(&s.down, s.wantDownloadQuota(), s.bandwidthPriority())
	}
}

func (s *PeerSession) dispatch(msg *pp.Message) error {
	if msg.Keepalive {
		messagesReceived.WithLabelValues("Keepalive").Inc()
		return nil
	}
	messagesReceived.WithLabelValues(msg.Type.String()).Inc()
	if !s.proto.permits(msg.Type) {
		return protocolErrorf("%v not permitted by %v protocol", msg.Type, s.proto)
	}
	s.allStats(func(cs *ConnStats) { cs.readMsg(msg) })
	if msg.Type != pp.Extended {
		first := !s.flags.firstMessageHandled
		s.flags.firstMessageHandled = true
		if !first && msg.Type.Possession() {
			return protocolErrorf("%v is only valid as the first message", msg.Type)
		}
	}
	switch msg.Type {
	case pp.Choke:
		if s.flags.peerChoking {
			return nil
		}
		s.flags.peerChoking = true
		s.proto.onChokedByPeer(s)
	case pp.Unchoke:
		if !s.flags.peerChoking {
			return nil
		}
		s.flags.peerChoking = false
		s.fillRequests()
	case pp.Interested:
		s.flags.peerInterested = true
		s.lastInterest = s.now()
	case pp.NotInterested:
		s.flags.peerInterested = false
	case pp.Have:
		return s.onHave(int(msg.Index))
	case pp.Bitfield:
		return s.onBitfield(msg.Bitfield)
	case pp.HaveAll:
		return s.onHaveAll()
	case pp.HaveNone:
	case pp.Request:
		s.onRequest(msg.RequestSpec())
	case pp.Cancel:
		s.onCancel(msg.RequestSpec())
	case pp.Piece:
		if s.downloadLimited() {
			s.down.UseQuota(len(msg.Piece))
		}
		s.onPiece(msg)
	case pp.Reject:
		s.onReject(msg.RequestSpec())
	case pp.Port:
		s.dhtPort = g.Some(msg.Port)
	case pp.Suggest:
		piece := int(msg.Index)
		if piece >= s.t.layout.NumPieces {
			return protocolErrorf("suggested piece %d out of range", piece)
		}
		if len(s.suggested) < maxSuggestedPieces && !slices.Contains(s.suggested, piece) {
			s.suggested = append(s.suggested, piece)
		}
		s.fillRequests()
	case pp.AllowedFast:
		piece := int(msg.Index)
		if piece >= s.t.layout.NumPieces {
			return protocolErrorf("allowed fast piece %d out of range", piece)
		}
		s.peerAllowedFast.Add(uint32(piece))
		if s.flags.peerChoking {
			s.fillRequests()
		}
	case pp.Extended:
		return s.onExtended(msg)
	default:
		return protocolErrorf("unhandled message type %v", msg.Type)
	}
	return nil
}

func (s *PeerSession) onHave(piece int) error {
	if piece < 0 || piece >= s.t.layout.NumPieces {
		return protocolErrorf("have for piece %d out of range", piece)
	}
	if !s.havePiece.CheckedAdd(uint32(piece)) {
		return nil
	}
	s.numPieces++
	s.t.sched.MarkHave(s.handle, piece)
	wasInterested := s.flags.interested
	s.updateInterest()
	if wasInterested && !s.flags.peerChoking && !s.t.sched.HavePiece(piece) {
		s.fillRequests()
	}
	return nil
}

func (s *PeerSession) setPossession(bm *roaring.Bitmap) {
	s.havePiece = bm
	s.numPieces = int(bm.GetCardinality())
	s.t.sched.AddAvailability(s.handle, bm)
	s.updateInterest()
}

func (s *PeerSession) onBitfield(bf []bool) error {
	n := s.t.layout.NumPieces
	if len(bf) < n || len(bf) > (n+7)/8*8 {
		return protocolErrorf("bitfield has %d bits for %d pieces", len(bf), n)
	}
	bm := roaring.New()
	for i, have := range bf {
		if !have {
			continue
		}
		if i >= n {
			return protocolErrorf("bitfield has spare bit %d set", i)
		}
		bm.Add(uint32(i))
	}
	s.setPossession(bm)
	return nil
}

func (s *PeerSession) onHaveAll() error {
	bm := roaring.New()
	bm.AddRange(0, uint64(s.t.layout.NumPieces))
	s.flags.peerSentHaveAll = true
	s.setPossession(bm)
	return nil
}

func (s *PeerSession) onExtended(msg *pp.Message) error {
	if !s.flags.extendedEnabled {
		return protocolErrorf("extended message without extension protocol")
	}
	if msg.ExtendedID != pp.HandshakeExtendedID {
		// We don't advertise any extensions, so there's nothing else to handle.
		return nil
	}
	hs, err := pp.UnmarshalExtendedHandshake(msg.ExtendedPayload)
	if err != nil {
		return protocolError{err.Error()}
	}
	if hs.V != "" {
		s.clientName = hs.V
	}
	if hs.Reqq > 0 {
		// The peer can only lower our limit.
		s.maxOutRequestQueue = min(hs.Reqq, s.t.cfg.MaxOutRequestQueue)
		s.updateDesiredQueueSize()
		s.logger.Levelf(log.Debug, "peer request queue limit %d, ours now %d", hs.Reqq, s.maxOutRequestQueue)
	}
	return nil
}
