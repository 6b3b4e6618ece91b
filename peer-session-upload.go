package swarm

import (
	"fmt"
	"slices"

	"github.com/anacrolix/log"

	pp "github.com/anacrolix/swarm/peer_protocol"
	"github.com/anacrolix/swarm/storage"
	"github.com/anacrolix/swarm/types"
)

// The peer asked us for r.
func (s *PeerSession) onRequest(r types.Request) {
	if !s.t.layout.ValidRequest(r) || !s.t.havePiece(int(r.Index)) {
		s.invalidRequests++
		s.proto.refuseRequest(s, r)
		if s.invalidRequests >= s.t.cfg.MaxInvalidRequests {
			s.t.disconnect(s, ReasonTooManyInvalidRequests, fmt.Errorf("%d invalid requests", s.invalidRequests))
		}
		return
	}
	if s.flags.choking && !s.allowedFastForThem(int(r.Index)) {
		s.proto.refuseRequest(s, r)
		return
	}
	if slices.Contains(s.uploadQueue, r) {
		return
	}
	if len(s.uploadQueue)+len(s.readyUploads) >= s.t.cfg.MaxAllowedInRequests {
		s.logger.Levelf(log.Debug, "upload queue full, refusing %v", r)
		s.proto.refuseRequest(s, r)
		return
	}
	s.uploadQueue = append(s.uploadQueue, r)
	s.t.readBlock(s.handle, r)
}

func (s *PeerSession) onCancel(r types.Request) {
	if i := slices.Index(s.uploadQueue, r); i >= 0 {
		s.uploadQueue = slices.Delete(s.uploadQueue, i, i+1)
	} else if i := slices.IndexFunc(s.readyUploads, func(m pp.Message) bool {
		return m.RequestSpec() == r
	}); i >= 0 {
		s.readyUploads = slices.Delete(s.readyUploads, i, i+1)
	} else {
		return
	}
	// BEP 6 requires a response to every request, even a cancelled one.
	if s.flags.fastEnabled {
		s.write(pp.RequestMessage(pp.Reject, r))
	}
}

// A disk read for r finished. The request may have been cancelled or choked away in the meantime.
func (s *PeerSession) onReadCompleted(r types.Request, c storage.Completion) {
	i := slices.Index(s.uploadQueue, r)
	if i < 0 {
		return
	}
	s.uploadQueue = slices.Delete(s.uploadQueue, i, i+1)
	if c.Err != nil {
		s.logger.Levelf(log.Warning, "reading %v for upload: %v", r, c.Err)
		s.proto.refuseRequest(s, r)
		return
	}
	s.readyUploads = append(s.readyUploads, pp.Message{
		Type:  pp.Piece,
		Index: pp.Integer(r.Index),
		Begin: pp.Integer(r.Begin),
		Piece: c.Data,
	})
	s.flushUploads()
}

// Sends read pieces while upload quota lasts.
func (s *PeerSession) flushUploads() {
	limited := s.uploadLimited()
	for len(s.readyUploads) != 0 {
		msg := s.readyUploads[0]
		n := len(msg.Piece)
		if limited {
			if s.up.QuotaLeft() <= 0 {
				s.t.upPool.Request(&s.up, n, s.bandwidthPriority())
				return
			}
			s.up.UseQuota(n)
		}
		s.readyUploads = s.readyUploads[1:]
		s.write(msg)
		s.uploadedSinceChoke += int64(n)
	}
}
