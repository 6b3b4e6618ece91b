package swarm

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/swarm/bep0006"
	"github.com/anacrolix/swarm/internal/slotmap"
	pp "github.com/anacrolix/swarm/peer_protocol"
	"github.com/anacrolix/swarm/ratelimit"
	"github.com/anacrolix/swarm/types"
)

// Identifies a session within its Transfer. Handles to sessions that have gone away never resolve
// to a later session.
type SessionHandle struct {
	key slotmap.Key
}

func (h SessionHandle) String() string {
	return h.key.String()
}

type ConnState int

const (
	ConnStateConnecting ConnState = iota
	ConnStateHandshaking
	ConnStateEstablished
	ConnStateDisconnecting
	ConnStateClosed
)

func (cs ConnState) String() string {
	switch cs {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateHandshaking:
		return "handshaking"
	case ConnStateEstablished:
		return "established"
	case ConnStateDisconnecting:
		return "disconnecting"
	case ConnStateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(cs))
}

type peerFlags struct {
	// We're choking them.
	choking bool
	// They're choking us.
	peerChoking    bool
	interested     bool
	peerInterested bool
	// Stopped sending us what we asked for.
	snubbed           bool
	// Set by the first message other than keep-alive and the extended handshake. Possession
	// messages are only accepted before this.
	firstMessageHandled bool
	peerSentHaveAll   bool
	ignoreBandwidth   bool
	optimisticUnchoke bool
	fastEnabled       bool
	extendedEnabled   bool
}

// A block we sent a request for.
type PendingBlock struct {
	Block types.PieceBlock
	// Times a later block arrived first.
	Skipped     int
	RequestedAt time.Time
	Session     SessionHandle
}

// The protocol state machine for one remote peer. All methods are called with the transfer lock
// held.
type PeerSession struct {
	t          *Transfer
	handle     SessionHandle
	transport  Transport
	logger     log.Logger
	outgoing   bool
	remoteAddr net.Addr
	peerID     types.PeerID
	clientName string

	state ConnState
	flags peerFlags
	proto wireProtocol
	dec   pp.Decoder

	// Pieces the peer has. numPieces caches the cardinality.
	havePiece *roaring.Bitmap
	numPieces int
	// Pieces we may request while choked.
	peerAllowedFast *roaring.Bitmap
	// Pieces they may request from us while choked.
	ourAllowedFast *roaring.Bitmap
	suggested      []int

	downloadQueue []PendingBlock
	// Reserved with the scheduler but not yet sent.
	requestQueue []types.PieceBlock
	// Requests the peer made of us awaiting a disk read.
	uploadQueue []types.Request
	// Read from disk and waiting on upload quota.
	readyUploads []pp.Message

	desiredQueueSize   int
	maxOutRequestQueue int
	requestTimeouts    int
	invalidRequests    int
	dhtPort            g.Option[uint16]

	stats ConnStats
	// Useful bytes in each direction since the last choke cycle.
	downloadedSinceChoke int64
	uploadedSinceChoke   int64
	// Counter values at the previous tick, for rates.
	lastTickRead, lastTickWritten int64
	// Smoothed bytes per second.
	downloadRate, uploadRate         int64
	peakDownloadRate, peakUploadRate int64
	rtt                              time.Duration

	connectedAt        time.Time
	handshakeStarted   time.Time
	lastSend           time.Time
	lastReceive        time.Time
	lastRequest        time.Time
	lastUnchoke        time.Time
	lastInterest       time.Time
	lastPieceOrTimeout time.Time

	up, down       ratelimit.Channel
	receivePaused  bool
	closed         chansync.SetOnce
	disconnectInfo DisconnectEvent
}

func (s *PeerSession) String() string {
	return fmt.Sprintf("%v %v", s.remoteAddr, s.handle)
}

func (s *PeerSession) now() time.Time {
	return s.t.now()
}

func (s *PeerSession) established() bool {
	return s.state == ConnStateEstablished
}

func (s *PeerSession) disconnected() bool {
	return s.state >= ConnStateDisconnecting
}

func (s *PeerSession) hasPiece(piece int) bool {
	return s.havePiece.Contains(uint32(piece))
}

func (s *PeerSession) peerSeeding() bool {
	return s.numPieces == s.t.layout.NumPieces
}

func (s *PeerSession) checkInvariants() {
	panicif.NotEq(int(s.havePiece.GetCardinality()), s.numPieces)
	panicif.GreaterThan(s.desiredQueueSize, max(s.maxOutRequestQueue, 1))
	if s.flags.snubbed {
		panicif.NotEq(s.desiredQueueSize, 1)
	}
}

// Whether the session is subject to pool and channel rate limits.
func (s *PeerSession) bandwidthLimited(pool *ratelimit.Pool, ch *ratelimit.Channel) bool {
	if s.flags.ignoreBandwidth {
		return false
	}
	return pool.Throttle() != ratelimit.Inf || ch.Throttle() != ratelimit.Inf
}

func (s *PeerSession) downloadLimited() bool {
	return s.bandwidthLimited(s.t.downPool, &s.down)
}

func (s *PeerSession) uploadLimited() bool {
	return s.bandwidthLimited(s.t.upPool, &s.up)
}

// Snubbed peers are served quota last.
func (s *PeerSession) bandwidthPriority() int {
	if s.flags.snubbed {
		return 0
	}
	return 1
}

// Peers on loopback and private networks.
func localAddr(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	ip := ap.Addr()
	return ip.IsLoopback() || ip.IsPrivate()
}

// Queues msg with the transport. Send failures disconnect the session after the current operation.
func (s *PeerSession) write(msg pp.Message) {
	if s.disconnected() {
		return
	}
	b := s.proto.encode(msg)
	if b == nil {
		return
	}
	if err := s.transport.Send(b); err != nil {
		h := s.handle
		s.t.mu.Defer(func() {
			s.t.Disconnect(h, ReasonTransportError, err)
		})
		return
	}
	s.lastSend = s.now()
	s.allStats(func(cs *ConnStats) {
		cs.BytesWritten.Add(int64(len(b)))
		cs.wroteMsg(&msg)
	})
	label := msg.Type.String()
	if msg.Keepalive {
		label = "Keepalive"
	}
	messagesWritten.WithLabelValues(label).Inc()
}

func (s *PeerSession) sendHandshake() {
	hs := pp.Handshake{
		Extensions: s.t.cfg.Extensions,
		InfoHash:   s.t.infoHash,
		PeerID:     s.t.cfg.PeerID,
	}
	b, err := hs.MarshalBinary()
	panicif.Err(err)
	if err := s.transport.Send(b); err != nil {
		h := s.handle
		s.t.mu.Defer(func() {
			s.t.Disconnect(h, ReasonTransportError, err)
		})
		return
	}
	s.lastSend = s.now()
	s.allStats(func(cs *ConnStats) { cs.BytesWritten.Add(int64(len(b))) })
}

// Resolves the remote handshake. The session is established if it returns nil.
func (s *PeerSession) onHandshake(hs pp.Handshake) (DisconnectReason, error) {
	if hs.InfoHash != s.t.infoHash {
		return ReasonHandshakeMismatch, ErrInfoHashMismatch
	}
	if hs.PeerID == s.t.cfg.PeerID {
		return ReasonDuplicatePeerID, fmt.Errorf("connected to ourselves")
	}
	for _, other := range s.t.sessions.All() {
		if other != s && other.established() && other.peerID == hs.PeerID {
			return ReasonDuplicatePeerID, fmt.Errorf("already connected to %v as %v", hs.PeerID, other.handle)
		}
	}
	now := s.now()
	s.peerID = hs.PeerID
	s.proto = selectProtocol(s.t.cfg.Extensions, hs.Extensions)
	s.flags.fastEnabled = s.proto == wireProtocol(fastProtocol{})
	s.flags.extendedEnabled = s.t.cfg.Extensions.SupportsExtended() && hs.Extensions.SupportsExtended()
	s.state = ConnStateEstablished
	s.connectedAt = now
	s.lastInterest = now
	s.lastPieceOrTimeout = now
	s.logger.Levelf(log.Debug, "established using %v protocol with %v", s.proto, hs.Extensions)
	// Possession has to be the first message.
	s.proto.sendPossession(s)
	if s.flags.extendedEnabled {
		msg, err := pp.ExtendedHandshakeMessage{
			V:    s.t.cfg.ExtendedHandshakeClientVersion,
			Reqq: s.t.cfg.MaxAllowedInRequests,
		}.Message()
		panicif.Err(err)
		s.write(msg)
	}
	if s.flags.fastEnabled {
		s.sendAllowedFast()
	}
	s.updateInterest()
	if f := s.t.cfg.Callbacks.PeerEstablished; f != nil {
		h, info := s.handle, s.peerInfo()
		s.t.mu.Defer(func() { f(h, info) })
	}
	return ReasonNone, nil
}

func (s *PeerSession) sendAllowedFast() {
	ap, err := netip.ParseAddrPort(s.remoteAddr.String())
	if err != nil {
		return
	}
	n := s.t.layout.NumPieces
	set, err := bep0006.AllowedFastSet(ap.Addr(), s.t.infoHash, n, min(s.t.cfg.AllowedFastSetSize, n))
	if err != nil {
		s.logger.Levelf(log.Debug, "generating allowed fast set: %v", err)
		return
	}
	s.ourAllowedFast = set
	it := set.Iterator()
	for it.HasNext() {
		s.write(pp.Message{Type: pp.AllowedFast, Index: pp.Integer(it.Next())})
	}
}

// Sends interested or not interested if our interest changed.
func (s *PeerSession) updateInterest() {
	if !s.established() {
		return
	}
	want := s.t.sched.Wants(s.hasPiece)
	if want == s.flags.interested {
		return
	}
	s.flags.interested = want
	if want {
		s.lastInterest = s.now()
		s.write(pp.Message{Type: pp.Interested})
		s.fillRequests()
	} else {
		s.write(pp.Message{Type: pp.NotInterested})
	}
}

func (s *PeerSession) choke() {
	if s.flags.choking {
		return
	}
	s.flags.choking = true
	s.write(pp.Message{Type: pp.Choke})
	keep := s.uploadQueue[:0]
	for _, r := range s.uploadQueue {
		if s.allowedFastForThem(int(r.Index)) {
			keep = append(keep, r)
		} else {
			s.proto.refuseRequest(s, r)
		}
	}
	clear(s.uploadQueue[len(keep):])
	s.uploadQueue = keep
	ready := s.readyUploads[:0]
	for _, m := range s.readyUploads {
		if s.allowedFastForThem(int(m.Index)) {
			ready = append(ready, m)
		} else {
			s.proto.refuseRequest(s, m.RequestSpec())
		}
	}
	clear(s.readyUploads[len(ready):])
	s.readyUploads = ready
}

func (s *PeerSession) unchoke() {
	if !s.flags.choking {
		return
	}
	s.flags.choking = false
	s.lastUnchoke = s.now()
	s.write(pp.Message{Type: pp.Unchoke})
}

func (s *PeerSession) allowedFastForThem(piece int) bool {
	return s.flags.fastEnabled && s.ourAllowedFast != nil && s.ourAllowedFast.Contains(uint32(piece))
}

func (s *PeerSession) resetChokeCounters() {
	s.downloadedSinceChoke = 0
	s.uploadedSinceChoke = 0
}

func (s *PeerSession) snub() {
	s.flags.snubbed = true
	s.desiredQueueSize = 1
}

// Recomputes rates and the request queue size. Called once a second.
func (s *PeerSession) updateRates() {
	read := s.stats.BytesReadUsefulData.Int64()
	written := s.stats.BytesWrittenData.Int64()
	s.downloadRate = (s.downloadRate*3 + (read - s.lastTickRead)) / 4
	s.uploadRate = (s.uploadRate*3 + (written - s.lastTickWritten)) / 4
	s.lastTickRead, s.lastTickWritten = read, written
	s.peakDownloadRate = max(s.peakDownloadRate, s.downloadRate)
	s.peakUploadRate = max(s.peakUploadRate, s.uploadRate)
	s.updateDesiredQueueSize()
}

// Enough requests to cover queueTime seconds at the current rate.
func (s *PeerSession) updateDesiredQueueSize() {
	if s.flags.snubbed {
		s.desiredQueueSize = 1
		return
	}
	n := int(s.downloadRate * queueTime / int64(s.t.layout.BlockSize))
	s.desiredQueueSize = max(min(max(n, s.t.cfg.InitialQueueSize), s.maxOutRequestQueue), 1)
}

// Disconnects peers that can't be of use to us or we to them.
func (s *PeerSession) disconnectIfRedundant(now time.Time) bool {
	if !s.t.cfg.DisconnectRedundant || !s.established() {
		return false
	}
	if s.t.seeding() && s.peerSeeding() {
		s.t.disconnect(s, ReasonRedundant, fmt.Errorf("both sides are seeding"))
		return true
	}
	if !s.flags.interested && !s.flags.peerInterested && now.Sub(s.lastInterest) >= s.t.cfg.InactivityTimeout {
		s.t.disconnect(s, ReasonRedundant, fmt.Errorf("no interest for %v", now.Sub(s.lastInterest)))
		return true
	}
	return false
}

func (s *PeerSession) secondTick(now time.Time) {
	cfg := s.t.cfg
	switch s.state {
	case ConnStateConnecting:
		return
	case ConnStateHandshaking:
		if now.Sub(s.handshakeStarted) >= cfg.HandshakeTimeout {
			s.t.disconnect(s, ReasonTimedOut, fmt.Errorf("no handshake after %v", now.Sub(s.handshakeStarted)))
		}
		return
	case ConnStateEstablished:
	default:
		return
	}
	if now.Sub(s.lastReceive) >= cfg.PeerTimeout {
		s.t.disconnect(s, ReasonTimedOut, fmt.Errorf("nothing received for %v", now.Sub(s.lastReceive)))
		return
	}
	if s.disconnectIfRedundant(now) {
		return
	}
	s.updateRates()
	if s.timeoutRequests(now) {
		return
	}
	if s.receivePaused && s.down.QuotaLeft() > 0 {
		s.receivePaused = false
		s.transport.SetReceiveEnabled(true)
	}
	s.requestQuota()
	s.fillRequests()
	s.flushUploads()
	if now.Sub(s.lastSend) >= cfg.KeepAliveInterval {
		s.write(pp.Message{Keepalive: true})
	}
	s.checkInvariants()
}

// Asks the pools for quota for the coming second.
func (s *PeerSession) requestQuota() {
	if s.downloadLimited() && s.down.QuotaLeft() < s.wantDownloadQuota() {
		s.t.downPool.Request(&s.down, s.wantDownloadQuota()-s.down.QuotaLeft(), s.bandwidthPriority())
	}
	if s.uploadLimited() {
		want := 0
		for _, m := range s.readyUploads {
			want += len(m.Piece)
		}
		if want > s.up.QuotaLeft() {
			s.t.upPool.Request(&s.up, want-s.up.QuotaLeft(), s.bandwidthPriority())
		}
	}
}

func (s *PeerSession) wantDownloadQuota() int {
	return max(s.desiredQueueSize, 1) * s.t.layout.BlockSize
}

func (s *PeerSession) peerInfo() PeerInfo {
	var protocol string
	if s.proto != nil {
		protocol = s.proto.String()
	}
	return PeerInfo{
		Protocol:           protocol,
		Handle:             s.handle,
		RemoteAddr:         s.remoteAddr,
		Outgoing:           s.outgoing,
		PeerID:             s.peerID,
		ClientName:         s.clientName,
		State:              s.state,
		Flags:              s.statusFlags(),
		NumPieces:          s.numPieces,
		DownloadQueue:      len(s.downloadQueue),
		RequestQueue:       len(s.requestQueue),
		UploadQueue:        len(s.uploadQueue) + len(s.readyUploads),
		DesiredQueueSize:   s.desiredQueueSize,
		MaxOutRequestQueue: s.maxOutRequestQueue,
		Snubbed:            s.flags.snubbed,
		OptimisticUnchoke:  s.flags.optimisticUnchoke,
		RequestTimeouts:    s.requestTimeouts,
		DownloadRate:       s.downloadRate,
		UploadRate:         s.uploadRate,
		PeakDownloadRate:   s.peakDownloadRate,
		PeakUploadRate:     s.peakUploadRate,
		RTT:                s.rtt,
		DHTPort:            s.dhtPort,
		ConnectedAt:        s.connectedAt,
		LastReceive:        s.lastReceive,
		LastSend:           s.lastSend,
		Stats:              s.stats.Copy(),
	}
}

func (s *PeerSession) connectionFlags() (ret string) {
	c := func(b byte) {
		ret += string([]byte{b})
	}
	if s.outgoing {
		c('o')
	}
	if s.flags.fastEnabled {
		c('f')
	}
	if s.flags.extendedEnabled {
		c('e')
	}
	if s.flags.ignoreBandwidth {
		c('l')
	}
	return
}

// Our interest and choke state, the connection, then theirs, like "ic-fe-i".
func (s *PeerSession) statusFlags() (ret string) {
	c := func(b byte) {
		ret += string([]byte{b})
	}
	if s.flags.interested {
		c('i')
	}
	if s.flags.choking {
		c('c')
	}
	if s.flags.optimisticUnchoke {
		c('o')
	}
	c('-')
	ret += s.connectionFlags()
	c('-')
	if s.flags.peerInterested {
		c('i')
	}
	if s.flags.peerChoking {
		c('c')
	}
	if s.flags.snubbed {
		c('s')
	}
	return
}
