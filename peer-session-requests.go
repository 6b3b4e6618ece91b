package swarm

import (
	"fmt"
	"slices"
	"time"

	"github.com/anacrolix/log"

	pp "github.com/anacrolix/swarm/peer_protocol"
	requestStrategy "github.com/anacrolix/swarm/request-strategy"
	"github.com/anacrolix/swarm/types"
)

// A pending block passed over this many times by later arrivals is given up on.
const maxSkipped = 3

func (s *PeerSession) requestLimit() int {
	return min(s.desiredQueueSize, s.maxOutRequestQueue)
}

func (s *PeerSession) peerInput() requestStrategy.PeerInput {
	return requestStrategy.PeerInput{
		HasPiece:          s.hasPiece,
		PreferWholePieces: s.t.cfg.PreferWholePieces,
		Suggested:         s.suggested,
		Choked:            s.flags.peerChoking,
		AllowedFast: func(piece int) bool {
			return s.flags.fastEnabled && s.peerAllowedFast.Contains(uint32(piece))
		},
	}
}

// Reserves blocks with the scheduler until the queues reach the desired size, then sends what it
// can.
func (s *PeerSession) fillRequests() {
	if !s.established() || !s.flags.interested {
		return
	}
	limit := s.requestLimit()
	for len(s.requestQueue)+len(s.downloadQueue) < limit {
		opt := s.t.sched.NextBlockFor(s.handle, s.peerInput())
		if !opt.Ok {
			break
		}
		s.requestQueue = append(s.requestQueue, opt.Value.Block)
	}
	s.sendBlockRequests()
}

// Moves blocks from the request queue to the wire. Requests aren't sent beyond the download quota.
func (s *PeerSession) sendBlockRequests() {
	limit := s.requestLimit()
	now := s.now()
	blockSize := s.t.layout.BlockSize
	for len(s.requestQueue) != 0 && len(s.downloadQueue) < limit {
		if s.downloadLimited() && (len(s.downloadQueue)+1)*blockSize > s.down.QuotaLeft() {
			s.t.downPool.Request(&s.down, s.wantDownloadQuota(), s.bandwidthPriority())
			break
		}
		b := s.requestQueue[0]
		s.requestQueue = s.requestQueue[1:]
		s.downloadQueue = append(s.downloadQueue, PendingBlock{
			Block:       b,
			RequestedAt: now,
			Session:     s.handle,
		})
		s.write(pp.MakeRequestMessage(s.t.layout.BlockSpec(b)))
		s.lastRequest = now
	}
}

// Returns queued and pending blocks matching f to the scheduler, without cancelling them on the
// wire.
func (s *PeerSession) releaseRequests(f func(types.PieceBlock) bool) {
	sched := s.t.sched
	s.requestQueue = slices.DeleteFunc(s.requestQueue, func(b types.PieceBlock) bool {
		if !f(b) {
			return false
		}
		sched.Release(s.handle, b)
		return true
	})
	s.downloadQueue = slices.DeleteFunc(s.downloadQueue, func(pb PendingBlock) bool {
		if !f(pb.Block) {
			return false
		}
		sched.Release(s.handle, pb.Block)
		return true
	})
}

func (s *PeerSession) pendingIndex(b types.PieceBlock) int {
	return slices.IndexFunc(s.downloadQueue, func(pb PendingBlock) bool { return pb.Block == b })
}

// Another peer delivered b first. Our reservation is already gone.
func (s *PeerSession) cancelBlock(b types.PieceBlock) {
	if i := slices.Index(s.requestQueue, b); i >= 0 {
		s.requestQueue = slices.Delete(s.requestQueue, i, i+1)
		return
	}
	if i := s.pendingIndex(b); i >= 0 {
		s.downloadQueue = slices.Delete(s.downloadQueue, i, i+1)
		s.write(pp.RequestMessage(pp.Cancel, s.t.layout.BlockSpec(b)))
		endgameCancels.Inc()
	}
}

// Gives up on a sent request. The block goes back to the scheduler and the peer is told.
func (s *PeerSession) abandonPending(i int) {
	b := s.downloadQueue[i].Block
	s.downloadQueue = slices.Delete(s.downloadQueue, i, i+1)
	s.t.sched.Release(s.handle, b)
	s.write(pp.RequestMessage(pp.Cancel, s.t.layout.BlockSpec(b)))
}

func (s *PeerSession) onPiece(msg *pp.Message) {
	now := s.now()
	spec := msg.RequestSpec()
	b, ok := s.t.layout.BlockForSpec(spec)
	i := -1
	if ok {
		i = s.pendingIndex(b)
	}
	if i < 0 {
		// Timed out, rejected, cancelled or never asked for.
		s.allStats(func(cs *ConnStats) { cs.ChunksReadUnexpected.Add(1) })
		chunksReceived.WithLabelValues("unexpected").Inc()
		return
	}
	pending := s.downloadQueue[i]
	s.downloadQueue = slices.Delete(s.downloadQueue, i, i+1)
	// Everything requested before this block was passed over.
	var skippedOut []int
	for j := range s.downloadQueue[:i] {
		s.downloadQueue[j].Skipped++
		if s.downloadQueue[j].Skipped >= maxSkipped {
			skippedOut = append(skippedOut, j)
		}
	}
	for _, j := range slices.Backward(skippedOut) {
		s.abandonPending(j)
		requestsTimedOut.Inc()
	}
	s.requestTimeouts = 0
	s.lastPieceOrTimeout = now
	if s.flags.snubbed {
		s.flags.snubbed = false
		s.updateDesiredQueueSize()
	}
	sample := now.Sub(pending.RequestedAt)
	if s.rtt == 0 {
		s.rtt = sample
	} else {
		s.rtt = (s.rtt*7 + sample) / 8
	}
	losers, first := s.t.sched.BlockCompleted(b, s.handle)
	if !first {
		s.allStats(func(cs *ConnStats) { cs.ChunksReadWasted.Add(1) })
		chunksReceived.WithLabelValues("wasted").Inc()
	} else {
		n := int64(len(msg.Piece))
		s.allStats(func(cs *ConnStats) {
			cs.ChunksReadUseful.Add(1)
			cs.BytesReadUsefulData.Add(n)
		})
		s.downloadedSinceChoke += n
		chunksReceived.WithLabelValues("useful").Inc()
		for _, h := range losers {
			if other, ok := s.t.session(h); ok {
				other.cancelBlock(b)
			}
		}
		s.t.writeBlock(b, msg.Piece)
	}
	s.fillRequests()
}

func (s *PeerSession) onReject(spec types.Request) {
	b, ok := s.t.layout.BlockForSpec(spec)
	if !ok {
		return
	}
	if i := s.pendingIndex(b); i >= 0 {
		s.downloadQueue = slices.Delete(s.downloadQueue, i, i+1)
		s.t.sched.Release(s.handle, b)
	}
}

// Handles the oldest unanswered request. Returns true if the session was disconnected.
func (s *PeerSession) timeoutRequests(now time.Time) bool {
	if len(s.downloadQueue) == 0 {
		return false
	}
	oldest := s.downloadQueue[0]
	since := oldest.RequestedAt
	if s.lastPieceOrTimeout.After(since) {
		since = s.lastPieceOrTimeout
	}
	if now.Sub(since) < s.t.cfg.RequestTimeout {
		return false
	}
	s.abandonPending(0)
	s.requestTimeouts++
	s.lastPieceOrTimeout = now
	s.snub()
	s.allStats(func(cs *ConnStats) { cs.RequestsTimedOut.Add(1) })
	requestsTimedOut.Inc()
	s.logger.Levelf(log.Debug, "%v timed out after %v (%d consecutive)", oldest.Block, now.Sub(since), s.requestTimeouts)
	if s.requestTimeouts >= s.t.cfg.MaxRequestTimeouts {
		s.t.disconnect(s, ReasonRequestTimeouts, fmt.Errorf("%d consecutive request timeouts", s.requestTimeouts))
		return true
	}
	return false
}
