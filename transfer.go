package swarm

import (
	"context"
	"crypto/sha1"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/swarm/choking"
	"github.com/anacrolix/swarm/internal/slotmap"
	pp "github.com/anacrolix/swarm/peer_protocol"
	"github.com/anacrolix/swarm/ratelimit"
	requestStrategy "github.com/anacrolix/swarm/request-strategy"
	"github.com/anacrolix/swarm/storage"
	"github.com/anacrolix/swarm/types"
)

type TransferOpts struct {
	// SHA1 of each piece. Without these, completed pieces are accepted unverified.
	PieceHashes [][sha1.Size]byte
	// Pieces already present in storage.
	Have *roaring.Bitmap
}

type AddPeerOpts struct {
	Outgoing bool
	// The remote handshake, if it was read before the transfer was known.
	Handshake g.Option[pp.Handshake]
}

// Everything to do with one shared file: its peers, the schedulers that coordinate them, and the
// storage they read and write. One coarse lock covers all of it.
type Transfer struct {
	mu       lockWithDeferreds
	cfg      *Config
	logger   log.Logger
	infoHash types.InfoHash
	layout   requestStrategy.Layout
	hashes   [][sha1.Size]byte

	sessions slotmap.Map[*PeerSession]
	sched    *requestStrategy.Scheduler[SessionHandle]
	choker   *choking.Choker[SessionHandle]
	upPool   *ratelimit.Pool
	downPool *ratelimit.Pool
	gateway  storage.Gateway

	// Verified pieces.
	have *roaring.Bitmap
	// Outstanding block writes per piece.
	pendingWrites map[int]int
	verifying     *roaring.Bitmap
	ticks         int
	stats         ConnStats

	ctx      context.Context
	cancel   context.CancelFunc
	diskJobs sync.WaitGroup
	closed   chansync.SetOnce
}

func NewTransfer(
	infoHash types.InfoHash,
	layout requestStrategy.Layout,
	gateway storage.Gateway,
	cfg *Config,
	opts TransferOpts,
) (*Transfer, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if layout.BlockSize == 0 {
		layout.BlockSize = cfg.BlockSize
	}
	if opts.PieceHashes != nil && len(opts.PieceHashes) != layout.NumPieces {
		return nil, errors.Errorf("%d piece hashes for %d pieces", len(opts.PieceHashes), layout.NumPieces)
	}
	have := roaring.New()
	if opts.Have != nil {
		have = opts.Have.Clone()
		if have.GetCardinality() != 0 && int(have.Maximum()) >= layout.NumPieces {
			return nil, errors.Errorf("have piece %d out of range", have.Maximum())
		}
	}
	t := &Transfer{
		cfg:           cfg,
		logger:        cfg.Logger.WithNames("swarm", infoHash.Short()),
		infoHash:      infoHash,
		layout:        layout,
		hashes:        opts.PieceHashes,
		sched:         requestStrategy.NewScheduler[SessionHandle](layout, have),
		upPool:        ratelimit.NewPool(cfg.UploadRateLimiter),
		downPool:      ratelimit.NewPool(cfg.DownloadRateLimiter),
		gateway:       gateway,
		have:          have,
		pendingWrites: make(map[int]int),
		verifying:     roaring.New(),
	}
	t.choker = choking.New[SessionHandle](choking.Config{
		UnchokeSlots:    cfg.UnchokeSlots,
		OptimisticEvery: cfg.OptimisticUnchokeEvery,
	})
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *Transfer) now() time.Time {
	return t.cfg.Now()
}

func (t *Transfer) InfoHash() types.InfoHash {
	return t.infoHash
}

func (t *Transfer) Layout() requestStrategy.Layout {
	return t.layout
}

func (t *Transfer) session(h SessionHandle) (*PeerSession, bool) {
	opt := t.sessions.Get(h.key)
	return opt.Value, opt.Ok
}

// A stable copy, so sessions can be disconnected while iterating.
func (t *Transfer) sessionList() (ret []*PeerSession) {
	for _, s := range t.sessions.All() {
		ret = append(ret, s)
	}
	return
}

func (t *Transfer) seeding() bool {
	return int(t.have.GetCardinality()) == t.layout.NumPieces
}

func (t *Transfer) havePiece(piece int) bool {
	return t.have.Contains(uint32(piece))
}

func (t *Transfer) bitfieldMessage() pp.Message {
	bf := make([]bool, t.layout.NumPieces)
	it := t.have.Iterator()
	for it.HasNext() {
		bf[it.Next()] = true
	}
	return pp.Message{Type: pp.Bitfield, Bitfield: bf}
}

// Registers a session over tr and sends our handshake. The session is handshaking unless the
// remote handshake was already read, in which case it's resolved immediately.
func (t *Transfer) AddPeer(tr Transport, opts AddPeerOpts) (SessionHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.addSession(tr, opts.Outgoing, ConnStateHandshaking)
	if err != nil {
		return SessionHandle{}, err
	}
	if opts.Handshake.Ok {
		if reason, err := s.onHandshake(opts.Handshake.Value); err != nil {
			t.disconnect(s, reason, err)
			return s.handle, err
		}
	}
	return s.handle, nil
}

func (t *Transfer) addSession(tr Transport, outgoing bool, state ConnState) (*PeerSession, error) {
	if t.closed.IsSet() {
		return nil, ErrTransferClosed
	}
	now := t.now()
	s := &PeerSession{
		t:                  t,
		transport:          tr,
		outgoing:           outgoing,
		remoteAddr:         tr.RemoteAddr(),
		state:              state,
		proto:              standardProtocol{},
		dec:                pp.Decoder{MaxLength: pp.Integer(t.cfg.MaxMessageLength)},
		havePiece:          roaring.New(),
		peerAllowedFast:    roaring.New(),
		desiredQueueSize:   max(t.cfg.InitialQueueSize, 1),
		maxOutRequestQueue: t.cfg.MaxOutRequestQueue,
		handshakeStarted:   now,
		lastReceive:        now,
		lastSend:           now,
		flags: peerFlags{
			choking:     true,
			peerChoking: true,
		},
	}
	s.flags.ignoreBandwidth = t.cfg.IgnoreBandwidthLimitsLocal && localAddr(s.remoteAddr)
	s.up.SetThrottle(t.cfg.PeerUploadRateLimit)
	s.down.SetThrottle(t.cfg.PeerDownloadRateLimit)
	s.handle = SessionHandle{t.sessions.Insert(s)}
	s.logger = t.logger.WithNames("peer", s.String())
	s.sendHandshake()
	s.requestQuota()
	return s, nil
}

// Hands a connected net.Conn to the transfer.
func (t *Transfer) AddConn(conn net.Conn, opts AddPeerOpts) (SessionHandle, error) {
	tr := newNetTransport(conn.RemoteAddr(), t.logger)
	h, err := t.AddPeer(tr, opts)
	if err != nil {
		conn.Close()
		return h, err
	}
	t.startTransport(tr, h, conn)
	return h, nil
}

func (t *Transfer) startTransport(tr *netTransport, h SessionHandle, conn net.Conn) {
	tr.start(
		conn,
		func(b []byte) error { return t.Receive(h, b) },
		func(err error) { t.Disconnect(h, ReasonTransportError, err) },
	)
}

// Dials addr. The session exists in the connecting state while the dial is in progress.
func (t *Transfer) Connect(ctx context.Context, network, addr string) (SessionHandle, error) {
	raddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return SessionHandle{}, errors.Wrapf(err, "resolving %q", addr)
	}
	tr := newNetTransport(raddr, t.logger)
	t.mu.Lock()
	s, err := t.addSession(tr, true, ConnStateConnecting)
	t.mu.Unlock()
	if err != nil {
		return SessionHandle{}, err
	}
	h := s.handle
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		t.Disconnect(h, ReasonTransportError, err)
		return h, errors.Wrapf(err, "dialing %v", addr)
	}
	t.mu.Lock()
	s, ok := t.session(h)
	if ok && s.state == ConnStateConnecting {
		s.state = ConnStateHandshaking
		s.handshakeStarted = t.now()
	}
	t.mu.Unlock()
	if !ok {
		conn.Close()
		return h, ErrUnknownSession
	}
	t.startTransport(tr, h, conn)
	return h, nil
}

// Delivers bytes received from the session's transport.
func (t *Transfer) Receive(h SessionHandle, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.session(h)
	if !ok {
		return ErrUnknownSession
	}
	s.receive(b)
	return nil
}

// Ends the session. Does nothing if it's already gone.
func (t *Transfer) Disconnect(h SessionHandle, reason DisconnectReason, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.session(h)
	if !ok {
		return false
	}
	t.disconnect(s, reason, err)
	return true
}

// Releases everything the session holds in the shared schedulers and pools, then forgets it.
func (t *Transfer) disconnect(s *PeerSession, reason DisconnectReason, err error) {
	if s.disconnected() {
		return
	}
	wasEstablished := s.established()
	s.state = ConnStateDisconnecting
	released := t.sched.ReleasePeer(s.handle)
	t.sched.RemovePeerAvailability(s.handle)
	t.upPool.Release(&s.up)
	t.downPool.Release(&s.down)
	s.requestQueue = nil
	s.downloadQueue = nil
	s.uploadQueue = nil
	s.readyUploads = nil
	t.sessions.Remove(s.handle.key)
	s.transport.Close()
	s.state = ConnStateClosed
	s.closed.Set()
	disconnects.WithLabelValues(reason.String()).Inc()
	level := log.Debug
	if reason == ReasonTransportError && wasEstablished {
		level = log.Info
	}
	s.logger.Levelf(level, "disconnected (%v): %v, released %d blocks", reason, err, len(released))
	s.disconnectInfo = DisconnectEvent{
		Handle:     s.handle,
		RemoteAddr: s.remoteAddr,
		PeerID:     s.peerID,
		Reason:     reason,
		Err:        err,
	}
	if f := t.cfg.Callbacks.PeerDisconnected; f != nil {
		ev := s.disconnectInfo
		t.mu.Defer(func() { f(ev) })
	}
	if len(released) != 0 {
		// Others may be able to use the blocks now.
		for _, other := range t.sessionList() {
			other.fillRequests()
		}
	}
}

// Runs periodic work: bandwidth distribution, per-session timers, and every ChokeInterval ticks a
// choke cycle.
func (t *Transfer) SecondTick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.IsSet() {
		return
	}
	now := t.now()
	t.ticks++
	t.upPool.Tick(now)
	granted := t.downPool.Tick(now)
	for _, s := range t.sessionList() {
		if s.disconnected() {
			continue
		}
		if granted[&s.down] != 0 {
			s.logger.Levelf(log.Debug, "granted %d bytes download quota", granted[&s.down])
		}
		s.secondTick(now)
	}
	if t.ticks%max(t.cfg.ChokeInterval, 1) == 0 {
		t.chokeCycle(now)
	}
}

func (t *Transfer) chokeCycle(now time.Time) {
	var peers []choking.Peer[SessionHandle]
	var sessions []*PeerSession
	for _, s := range t.sessions.All() {
		if !s.established() {
			continue
		}
		sessions = append(sessions, s)
		peers = append(peers, choking.Peer[SessionHandle]{
			Id:          s.handle,
			Interested:  s.flags.peerInterested,
			Choked:      s.flags.choking,
			Downloaded:  s.downloadedSinceChoke,
			Uploaded:    s.uploadedSinceChoke,
			ConnectedAt: s.connectedAt,
			Snubbed:     s.flags.snubbed,
		})
	}
	decisions := t.choker.Cycle(now, peers, t.seeding())
	panicif.NotEq(len(decisions), len(sessions))
	for i, d := range decisions {
		s := sessions[i]
		s.flags.optimisticUnchoke = d.Optimistic
		if !d.Changed {
			continue
		}
		if d.Choke {
			s.choke()
		} else {
			s.unchoke()
		}
	}
	for _, s := range sessions {
		s.resetChokeCounters()
	}
}

// Calls SecondTick every second until ctx is done or the transfer is closed.
func (t *Transfer) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed.Done():
			return nil
		case <-ticker.C:
			t.SecondTick()
		}
	}
}

func (t *Transfer) PeerInfos() (ret []PeerInfo) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions.All() {
		ret = append(ret, s.peerInfo())
	}
	return
}

type TransferStats struct {
	ConnStats
	requestStrategy.Stats
	ActivePeers      int
	EstablishedPeers int
	Seeding          bool
}

func (t *Transfer) Stats() (ret TransferStats) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ret.ConnStats = t.stats.Copy()
	ret.Stats = t.sched.Stats()
	ret.ActivePeers = t.sessions.Len()
	for _, s := range t.sessions.All() {
		if s.established() {
			ret.EstablishedPeers++
		}
	}
	ret.Seeding = t.seeding()
	return
}

func (t *Transfer) HavePiece(piece int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.havePiece(piece)
}

// All pieces are verified.
func (t *Transfer) Complete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seeding()
}

func (t *Transfer) Seeding() bool {
	return t.Complete()
}

// Closed when the transfer is closed.
func (t *Transfer) Closed() <-chan struct{} {
	return t.closed.Done()
}

// Disconnects every session and cancels outstanding disk work.
func (t *Transfer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed.Set() {
		return
	}
	for _, s := range t.sessionList() {
		t.disconnect(s, ReasonTransferClosed, ErrTransferClosed)
	}
	t.cancel()
}
