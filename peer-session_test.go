package swarm

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/anacrolix/swarm/peer_protocol"
	requestStrategy "github.com/anacrolix/swarm/request-strategy"
	"github.com/anacrolix/swarm/storage"
	"github.com/anacrolix/swarm/types"
)

const (
	testBlockSize   = 16
	testPieceLength = 4 * testBlockSize
	testNumPieces   = 4
)

var testInfoHash = types.InfoHash{1, 2, 3}

// Records what a session sends. Reads are driven by the test calling Transfer.Receive.
type testTransport struct {
	mu          sync.Mutex
	addr        net.Addr
	sent        bytes.Buffer
	closed      bool
	recvEnabled bool
	dec         pp.Decoder
	handshake   bool
}

func newTestTransport(ip string, port int) *testTransport {
	return &testTransport{
		addr:        &net.TCPAddr{IP: net.ParseIP(ip), Port: port},
		recvEnabled: true,
		dec:         pp.Decoder{MaxLength: 1 << 20},
	}
}

func (me *testTransport) Send(b []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return net.ErrClosed
	}
	me.sent.Write(b)
	return nil
}

func (me *testTransport) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.closed = true
	return nil
}

func (me *testTransport) RemoteAddr() net.Addr {
	return me.addr
}

func (me *testTransport) SetReceiveEnabled(on bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.recvEnabled = on
}

func (me *testTransport) isClosed() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.closed
}

// Decodes everything sent since the last call. Our handshake is consumed on the first call.
func (me *testTransport) messages(t *testing.T) (ret []pp.Message) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.dec.Write(me.sent.Bytes())
	me.sent.Reset()
	if !me.handshake {
		_, ok, err := me.dec.NextHandshake()
		require.NoError(t, err)
		if !ok {
			return nil
		}
		me.handshake = true
	}
	for {
		var msg pp.Message
		ok, err := me.dec.Next(&msg)
		require.NoError(t, err)
		if !ok {
			return
		}
		ret = append(ret, msg)
	}
}

func messagesOfType(msgs []pp.Message, mt pp.MessageType) (ret []pp.Message) {
	for _, m := range msgs {
		if !m.Keepalive && m.Type == mt {
			ret = append(ret, m)
		}
	}
	return
}

type testClock struct {
	now time.Time
}

func (me *testClock) Now() time.Time {
	return me.now
}

func (me *testClock) Advance(d time.Duration) {
	me.now = me.now.Add(d)
}

type testSwarm struct {
	t        *testing.T
	cfg      *Config
	clock    *testClock
	transfer *Transfer
	data     []byte
	fs       afero.Fs
	events   []DisconnectEvent
}

type testSwarmOpts struct {
	seeding   bool
	numPieces int
	// Wraps the file gateway, for injecting faults.
	wrapGateway func(storage.Gateway) storage.Gateway
	configure   func(*Config)
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func newTestSwarm(t *testing.T, opts testSwarmOpts) *testSwarm {
	numPieces := opts.numPieces
	if numPieces == 0 {
		numPieces = testNumPieces
	}
	total := int64(numPieces * testPieceLength)
	ts := &testSwarm{
		t:     t,
		clock: &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		data:  testData(int(total)),
		fs:    afero.NewMemMapFs(),
	}
	cfg := NewDefaultConfig()
	cfg.BlockSize = testBlockSize
	cfg.Logger = log.Default.WithNames(t.Name())
	cfg.Now = ts.clock.Now
	cfg.Callbacks.PeerDisconnected = func(ev DisconnectEvent) {
		ts.events = append(ts.events, ev)
	}
	if opts.configure != nil {
		opts.configure(cfg)
	}
	ts.cfg = cfg
	if opts.seeding {
		require.NoError(t, afero.WriteFile(ts.fs, "data", ts.data, 0o644))
	}
	fgw, err := storage.NewFileGateway(ts.fs, "data", storage.FileGatewayOpts{
		PieceLength: testPieceLength,
		TotalLength: total,
	})
	require.NoError(t, err)
	t.Cleanup(func() { fgw.Close() })
	var gw storage.Gateway = fgw
	if opts.wrapGateway != nil {
		gw = opts.wrapGateway(gw)
	}
	var have *roaring.Bitmap
	if opts.seeding {
		have = roaring.New()
		have.AddRange(0, uint64(numPieces))
	}
	layout := requestStrategy.NewLayout(total, testPieceLength, testBlockSize)
	tr, err := NewTransfer(testInfoHash, layout, gw, cfg, TransferOpts{
		PieceHashes: storage.PieceHashes(ts.data, testPieceLength),
		Have:        have,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		tr.Close()
		tr.WaitDiskIdle()
	})
	ts.transfer = tr
	return ts
}

func testPeerID(n byte) (id types.PeerID) {
	copy(id[:], "-TT0000-")
	id[19] = n
	return
}

// Adds a session and completes its handshake with the given remote extensions.
func (ts *testSwarm) connect(n byte, ext pp.PeerExtensionBits) (SessionHandle, *testTransport) {
	tr := newTestTransport("10.0.0.1", 6880+int(n))
	h, err := ts.transfer.AddPeer(tr, AddPeerOpts{})
	require.NoError(ts.t, err)
	hs := pp.Handshake{Extensions: ext, InfoHash: testInfoHash, PeerID: testPeerID(n)}
	b, err := hs.MarshalBinary()
	require.NoError(ts.t, err)
	require.NoError(ts.t, ts.transfer.Receive(h, b))
	return h, tr
}

func (ts *testSwarm) send(h SessionHandle, msgs ...pp.Message) {
	var b []byte
	for _, m := range msgs {
		b = append(b, m.MustMarshalBinary()...)
	}
	require.NoError(ts.t, ts.transfer.Receive(h, b))
}

func (ts *testSwarm) info(h SessionHandle) PeerInfo {
	for _, pi := range ts.transfer.PeerInfos() {
		if pi.Handle == h {
			return pi
		}
	}
	ts.t.Fatalf("no session %v", h)
	panic("unreachable")
}

func (ts *testSwarm) blockState(piece, block int) requestStrategy.BlockState {
	ts.transfer.mu.RLock()
	defer ts.transfer.mu.RUnlock()
	return ts.transfer.sched.BlockState(types.PieceBlock{Piece: piece, Block: block})
}

func (ts *testSwarm) pieceMessage(r types.Request) pp.Message {
	off := int(r.Index)*testPieceLength + int(r.Begin)
	return pp.Message{
		Type:  pp.Piece,
		Index: pp.Integer(r.Index),
		Begin: pp.Integer(r.Begin),
		Piece: ts.data[off : off+int(r.Length)],
	}
}

func allPieces(n int) pp.Message {
	bf := make([]bool, n)
	for i := range bf {
		bf[i] = true
	}
	return pp.Message{Type: pp.Bitfield, Bitfield: bf}
}

var noExtensions pp.PeerExtensionBits

func TestHandshakeEstablishes(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitFast))
	pi := ts.info(h)
	assert.Equal(t, ConnStateEstablished, pi.State)
	assert.Equal(t, "fast", pi.Protocol)
	assert.Equal(t, testPeerID(1), pi.PeerID)
	assert.Equal(t, "c-fl-c", pi.Flags)
	msgs := tr.messages(t)
	require.NotEmpty(t, msgs)
	// We have nothing, and the fast extension can say so.
	assert.Equal(t, pp.HaveNone, msgs[0].Type)
	assert.Len(t, messagesOfType(msgs, pp.AllowedFast), min(ts.cfg.AllowedFastSetSize, testNumPieces))
}

func TestHandshakeByteByByte(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	tr := newTestTransport("10.0.0.1", 1)
	h, err := ts.transfer.AddPeer(tr, AddPeerOpts{})
	require.NoError(t, err)
	hs, err := pp.Handshake{InfoHash: testInfoHash, PeerID: testPeerID(1)}.MarshalBinary()
	require.NoError(t, err)
	b := append(hs, allPieces(testNumPieces).MustMarshalBinary()...)
	for i := range b {
		assert.NotEqual(t, ConnStateEstablished, ts.info(h).State)
		require.NoError(t, ts.transfer.Receive(h, b[i:i+1]))
		if i == len(hs)-1 {
			assert.Equal(t, ConnStateEstablished, ts.info(h).State)
			break
		}
	}
	for i := len(hs); i < len(b); i++ {
		require.NoError(t, ts.transfer.Receive(h, b[i:i+1]))
	}
	assert.Equal(t, testNumPieces, ts.info(h).NumPieces)
	assert.Len(t, messagesOfType(tr.messages(t), pp.Interested), 1)
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	tr := newTestTransport("10.0.0.1", 1)
	h, err := ts.transfer.AddPeer(tr, AddPeerOpts{})
	require.NoError(t, err)
	b, err := pp.Handshake{InfoHash: types.InfoHash{9}, PeerID: testPeerID(1)}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ts.transfer.Receive(h, b))
	assert.True(t, tr.isClosed())
	require.Len(t, ts.events, 1)
	assert.Equal(t, ReasonHandshakeMismatch, ts.events[0].Reason)
	assert.ErrorIs(t, ts.events[0].Err, ErrInfoHashMismatch)
	assert.ErrorIs(t, ts.transfer.Receive(h, []byte{0}), ErrUnknownSession)
}

func TestDuplicatePeerIDDisconnected(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	ts.connect(1, noExtensions)
	h, _ := ts.connect(1, noExtensions)
	require.Len(t, ts.events, 1)
	assert.Equal(t, h, ts.events[0].Handle)
	assert.Equal(t, ReasonDuplicatePeerID, ts.events[0].Reason)
}

func TestMessageTooLongDisconnects(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, tr := ts.connect(1, noExtensions)
	require.NoError(t, ts.transfer.Receive(h, []byte{0, 0x10, 0, 0}))
	assert.True(t, tr.isClosed())
	require.Len(t, ts.events, 1)
	assert.Equal(t, ReasonMessageTooLong, ts.events[0].Reason)
	assert.True(t, ts.events[0].Reason.ProtocolError())
}

func TestFastMessageOnStandardProtocolDisconnects(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, _ := ts.connect(1, noExtensions)
	ts.send(h, pp.Message{Type: pp.HaveAll})
	require.Len(t, ts.events, 1)
	assert.Equal(t, ReasonProtocolViolation, ts.events[0].Reason)
}

func TestPossessionOnlyFirst(t *testing.T) {
	fast := pp.NewPeerExtensionBytes(pp.ExtensionBitFast)
	for _, tc := range []struct {
		name string
		ext  pp.PeerExtensionBits
		msgs []pp.Message
	}{
		{"HaveThenBitfield", noExtensions, []pp.Message{{Type: pp.Have, Index: 1}, allPieces(testNumPieces)}},
		{"InterestedThenBitfield", noExtensions, []pp.Message{
			{Type: pp.Interested}, {Type: pp.Unchoke}, allPieces(testNumPieces),
		}},
		{"BitfieldTwice", noExtensions, []pp.Message{allPieces(testNumPieces), allPieces(testNumPieces)}},
		{"UnchokeThenHaveAll", fast, []pp.Message{{Type: pp.Unchoke}, {Type: pp.HaveAll}}},
		{"HaveNoneThenHaveAll", fast, []pp.Message{{Type: pp.HaveNone}, {Type: pp.HaveAll}}},
		{"AllowedFastThenHaveNone", fast, []pp.Message{{Type: pp.AllowedFast, Index: 0}, {Type: pp.HaveNone}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSwarm(t, testSwarmOpts{})
			h, tr := ts.connect(1, tc.ext)
			ts.send(h, tc.msgs...)
			require.Len(t, ts.events, 1)
			assert.Equal(t, ReasonProtocolViolation, ts.events[0].Reason)
			assert.True(t, tr.isClosed())
		})
	}
}

func TestBitfieldAfterExtendedHandshake(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{seeding: true})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitLtep))
	msgs := tr.messages(t)
	// We send ours in the strict order.
	require.Len(t, msgs, 2)
	assert.Equal(t, pp.Bitfield, msgs[0].Type)
	assert.Equal(t, pp.Extended, msgs[1].Type)
	ext, err := pp.ExtendedHandshakeMessage{V: "test 1.0"}.Message()
	require.NoError(t, err)
	ts.send(h, ext, allPieces(testNumPieces))
	assert.Empty(t, ts.events)
	assert.Equal(t, testNumPieces, ts.info(h).NumPieces)
}

func TestHaveRequestsNewPieceImmediately(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 8
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, pp.Message{Type: pp.Have, Index: 0}, pp.Message{Type: pp.Unchoke})
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, testPieceLength/testBlockSize)
	for _, r := range reqs {
		assert.EqualValues(t, 0, r.Index)
	}
	ts.send(h, pp.Message{Type: pp.Have, Index: 1})
	reqs = messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, testPieceLength/testBlockSize)
	for _, r := range reqs {
		assert.EqualValues(t, 1, r.Index)
	}
}

func TestHavePopcountMatchesCount(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, _ := ts.connect(1, noExtensions)
	for _, i := range []int{2, 0, 2, 3, 0} {
		ts.send(h, pp.Message{Type: pp.Have, Index: pp.Integer(i)})
		ts.transfer.mu.RLock()
		s, ok := ts.transfer.session(h)
		require.True(t, ok)
		assert.EqualValues(t, s.havePiece.GetCardinality(), s.numPieces)
		ts.transfer.mu.RUnlock()
	}
	assert.Equal(t, 3, ts.info(h).NumPieces)
	ts.transfer.mu.RLock()
	assert.Equal(t, 1, ts.transfer.sched.Availability(2))
	assert.Equal(t, 0, ts.transfer.sched.Availability(1))
	ts.transfer.mu.RUnlock()
}

// The peer has everything, we ask for and receive every block, and the transfer completes.
func TestDownloadRoundTrip(t *testing.T) {
	var (
		mu        sync.Mutex
		completed []int
	)
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.Callbacks.PieceCompleted = func(piece int) {
			mu.Lock()
			defer mu.Unlock()
			completed = append(completed, piece)
		}
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces))
	msgs := tr.messages(t)
	require.Len(t, messagesOfType(msgs, pp.Interested), 1)
	assert.Empty(t, messagesOfType(msgs, pp.Request))
	ts.send(h, pp.Message{Type: pp.Unchoke})
	received := 0
	for {
		reqs := messagesOfType(tr.messages(t), pp.Request)
		if len(reqs) == 0 {
			break
		}
		assert.LessOrEqual(t, len(reqs), ts.cfg.InitialQueueSize)
		for _, r := range reqs {
			ts.send(h, ts.pieceMessage(r.RequestSpec()))
			received++
		}
	}
	n := testNumPieces * testPieceLength / testBlockSize
	assert.Equal(t, n, received)
	pi := ts.info(h)
	assert.Zero(t, pi.DownloadQueue)
	assert.Zero(t, pi.RequestQueue)
	ts.transfer.WaitDiskIdle()
	for p := range testNumPieces {
		for b := range testPieceLength / testBlockSize {
			assert.Equal(t, requestStrategy.BlockHave, ts.blockState(p, b))
		}
	}
	assert.True(t, ts.transfer.Complete())
	mu.Lock()
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, completed)
	mu.Unlock()
	msgs = tr.messages(t)
	assert.Len(t, messagesOfType(msgs, pp.Have), testNumPieces)
	assert.Len(t, messagesOfType(msgs, pp.NotInterested), 1)
	b, err := afero.ReadFile(ts.fs, "data")
	require.NoError(t, err)
	assert.Equal(t, ts.data, b)
	stats := ts.transfer.Stats()
	assert.EqualValues(t, n, stats.ChunksReadUseful.Int64())
	assert.True(t, stats.Seeding)
}

func TestStalePieceDiscarded(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.NotEmpty(t, reqs)
	before := ts.transfer.Stats().Stats
	// Block 3 of piece 2 was never requested.
	ts.send(h, ts.pieceMessage(types.Request{Index: 2, ChunkSpec: types.ChunkSpec{Begin: 3 * testBlockSize, Length: testBlockSize}}))
	ts.transfer.WaitDiskIdle()
	after := ts.transfer.Stats()
	assert.Equal(t, before, after.Stats)
	assert.EqualValues(t, 1, after.ChunksReadUnexpected.Int64())
	assert.Equal(t, requestStrategy.BlockMissing, ts.blockState(2, 3))
	assert.Equal(t, len(reqs), ts.info(h).DownloadQueue)
}

func TestChokeReturnsDownloadQueue(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 5
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, 5)
	assert.Equal(t, 5, ts.info(h).DownloadQueue)
	ts.send(h, pp.Message{Type: pp.Choke})
	assert.Zero(t, ts.info(h).DownloadQueue)
	for _, r := range reqs {
		spec := r.RequestSpec()
		assert.Equal(t, requestStrategy.BlockMissing, ts.blockState(int(spec.Index), int(spec.Begin)/testBlockSize))
	}
	assert.Zero(t, ts.transfer.Stats().BlocksRequested)
	// Nothing is cancelled: the peer dropped the requests itself.
	assert.Empty(t, messagesOfType(tr.messages(t), pp.Cancel))
}

func TestFastChokeKeepsAllowedFast(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 8
	}})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitFast))
	ts.send(h,
		pp.Message{Type: pp.HaveAll},
		pp.Message{Type: pp.AllowedFast, Index: 3},
	)
	// Choked, so only the allowed fast piece is requested.
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, 4)
	for _, r := range reqs {
		assert.EqualValues(t, 3, r.Index)
	}
	ts.send(h, pp.Message{Type: pp.Unchoke})
	assert.Len(t, messagesOfType(tr.messages(t), pp.Request), 4)
	ts.send(h, pp.Message{Type: pp.Choke})
	assert.Equal(t, 4, ts.info(h).DownloadQueue)
	assert.Equal(t, requestStrategy.BlockRequested, ts.blockState(3, 0))
}

func TestRejectReturnsBlock(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitFast))
	ts.send(h, pp.Message{Type: pp.HaveAll}, pp.Message{Type: pp.Unchoke})
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.NotEmpty(t, reqs)
	spec := reqs[0].RequestSpec()
	ts.send(h, pp.RequestMessage(pp.Reject, spec))
	assert.Equal(t, requestStrategy.BlockMissing, ts.blockState(int(spec.Index), int(spec.Begin)/testBlockSize))
	assert.Equal(t, len(reqs)-1, ts.info(h).DownloadQueue)
}

func TestEndgameCancelsLoser(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{numPieces: 1, configure: func(cfg *Config) {
		cfg.InitialQueueSize = 4
	}})
	h1, tr1 := ts.connect(1, noExtensions)
	ts.send(h1, allPieces(1), pp.Message{Type: pp.Unchoke})
	reqs1 := messagesOfType(tr1.messages(t), pp.Request)
	require.Len(t, reqs1, 4)
	assert.True(t, ts.transfer.Stats().Endgame)
	h2, tr2 := ts.connect(2, noExtensions)
	ts.send(h2, allPieces(1), pp.Message{Type: pp.Unchoke})
	reqs2 := messagesOfType(tr2.messages(t), pp.Request)
	require.NotEmpty(t, reqs2)
	x := reqs2[0].RequestSpec()
	assert.Contains(t, reqs1, reqs2[0])
	ts.transfer.mu.RLock()
	assert.Len(t, ts.transfer.sched.Requesters(types.PieceBlock{Piece: 0, Block: int(x.Begin) / testBlockSize}), 2)
	ts.transfer.mu.RUnlock()
	ts.send(h2, ts.pieceMessage(x))
	cancels := messagesOfType(tr1.messages(t), pp.Cancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, x, cancels[0].RequestSpec())
	assert.Equal(t, requestStrategy.BlockHave, ts.blockState(0, int(x.Begin)/testBlockSize))
	assert.Equal(t, 3, ts.info(h1).DownloadQueue)
	// The cancelled peer's late copy is stale.
	ts.send(h1, ts.pieceMessage(x))
	ts.transfer.WaitDiskIdle()
	stats := ts.transfer.Stats()
	assert.EqualValues(t, 1, stats.ChunksReadUnexpected.Int64())
}

func TestRequestTimeoutSnubsThenDisconnects(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 4
		cfg.RequestTimeout = 20 * time.Second
		cfg.MaxRequestTimeouts = 3
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, 4)
	ts.clock.Advance(21 * time.Second)
	ts.transfer.SecondTick()
	pi := ts.info(h)
	assert.True(t, pi.Snubbed)
	assert.Equal(t, 1, pi.DesiredQueueSize)
	assert.Equal(t, 1, pi.RequestTimeouts)
	assert.Equal(t, 3, pi.DownloadQueue)
	cancels := messagesOfType(tr.messages(t), pp.Cancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, reqs[0].RequestSpec(), cancels[0].RequestSpec())
	// Still snubbed on later ticks.
	ts.transfer.SecondTick()
	assert.Equal(t, 1, ts.info(h).DesiredQueueSize)
	ts.clock.Advance(21 * time.Second)
	ts.transfer.SecondTick()
	assert.Equal(t, 2, ts.info(h).RequestTimeouts)
	assert.Empty(t, ts.events)
	ts.clock.Advance(21 * time.Second)
	ts.transfer.SecondTick()
	require.Len(t, ts.events, 1)
	assert.Equal(t, ReasonRequestTimeouts, ts.events[0].Reason)
	assert.Zero(t, ts.transfer.Stats().BlocksRequested)
}

func TestPieceUnsnubs(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 3
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, 3)
	ts.clock.Advance(ts.cfg.RequestTimeout)
	ts.transfer.SecondTick()
	require.True(t, ts.info(h).Snubbed)
	ts.send(h, ts.pieceMessage(reqs[1].RequestSpec()))
	pi := ts.info(h)
	assert.False(t, pi.Snubbed)
	assert.Zero(t, pi.RequestTimeouts)
	assert.Equal(t, ts.cfg.InitialQueueSize, pi.DesiredQueueSize)
}

func TestExtendedHandshakeReqqOverride(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 4
	}})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitLtep))
	msgs := tr.messages(t)
	ext := messagesOfType(msgs, pp.Extended)
	require.Len(t, ext, 1)
	ours, err := pp.UnmarshalExtendedHandshake(ext[0].ExtendedPayload)
	require.NoError(t, err)
	assert.Equal(t, ts.cfg.MaxAllowedInRequests, ours.Reqq)
	theirs, err := pp.ExtendedHandshakeMessage{V: "test 1.0", Reqq: 1}.Message()
	require.NoError(t, err)
	ts.send(h, theirs, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	pi := ts.info(h)
	assert.Equal(t, 1, pi.MaxOutRequestQueue)
	assert.Equal(t, 1, pi.DesiredQueueSize)
	assert.Equal(t, "test 1.0", pi.ClientName)
	assert.Len(t, messagesOfType(tr.messages(t), pp.Request), 1)
}

func TestExtendedHandshakeReqqCannotRaiseLimit(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{numPieces: 64, configure: func(cfg *Config) {
		cfg.MaxOutRequestQueue = 10
	}})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitLtep))
	theirs, err := pp.ExtendedHandshakeMessage{Reqq: 5000}.Message()
	require.NoError(t, err)
	ts.send(h, theirs, allPieces(64), pp.Message{Type: pp.Unchoke})
	assert.Equal(t, 10, ts.info(h).MaxOutRequestQueue)
	for range 10 {
		for _, r := range messagesOfType(tr.messages(t), pp.Request) {
			ts.send(h, ts.pieceMessage(r.RequestSpec()))
		}
		ts.transfer.SecondTick()
		pi := ts.info(h)
		assert.LessOrEqual(t, pi.DesiredQueueSize, 10)
		assert.LessOrEqual(t, pi.DownloadQueue, 10)
	}
}

func TestDesiredQueueSizeFollowsRate(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{numPieces: 64, configure: func(cfg *Config) {
		cfg.MaxOutRequestQueue = 10
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(64), pp.Message{Type: pp.Unchoke})
	for range 10 {
		for _, r := range messagesOfType(tr.messages(t), pp.Request) {
			ts.send(h, ts.pieceMessage(r.RequestSpec()))
		}
		ts.transfer.SecondTick()
		pi := ts.info(h)
		assert.LessOrEqual(t, pi.DesiredQueueSize, 10)
		assert.GreaterOrEqual(t, pi.DesiredQueueSize, 1)
	}
	assert.Equal(t, 10, ts.info(h).DesiredQueueSize)
}

func TestPortRecorded(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, _ := ts.connect(1, noExtensions)
	ts.send(h, pp.Message{Type: pp.Port, Port: 6881})
	pi := ts.info(h)
	require.True(t, pi.DHTPort.Ok)
	assert.EqualValues(t, 6881, pi.DHTPort.Value)
}

func TestSuggestedPieceRequestedFirst(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.InitialQueueSize = 1
	}})
	h, tr := ts.connect(1, pp.NewPeerExtensionBytes(pp.ExtensionBitFast))
	ts.send(h,
		pp.Message{Type: pp.HaveAll},
		pp.Message{Type: pp.Suggest, Index: 2},
		pp.Message{Type: pp.Unchoke},
	)
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 2, reqs[0].Index)
}

func TestKeepAliveSent(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	h, tr := ts.connect(1, noExtensions)
	tr.messages(t)
	ts.clock.Advance(ts.cfg.KeepAliveInterval)
	ts.send(h, pp.Message{Keepalive: true})
	ts.transfer.SecondTick()
	msgs := tr.messages(t)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Keepalive)
}

func TestIdlePeerTimesOut(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	ts.connect(1, noExtensions)
	ts.clock.Advance(ts.cfg.PeerTimeout)
	ts.transfer.SecondTick()
	require.Len(t, ts.events, 1)
	assert.Equal(t, ReasonTimedOut, ts.events[0].Reason)
}

func TestHandshakeTimeout(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{})
	_, err := ts.transfer.AddPeer(newTestTransport("10.0.0.1", 1), AddPeerOpts{})
	require.NoError(t, err)
	ts.clock.Advance(ts.cfg.HandshakeTimeout)
	ts.transfer.SecondTick()
	require.Len(t, ts.events, 1)
	assert.Equal(t, ReasonTimedOut, ts.events[0].Reason)
}

func TestDownloadQuotaGatesRequests(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.IgnoreBandwidthLimitsLocal = false
		cfg.InitialQueueSize = 2
		var err error
		cfg.DownloadRateLimiter, err = ParseRateLimit("64B")
		if err != nil {
			panic(err)
		}
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	assert.Empty(t, messagesOfType(tr.messages(t), pp.Request))
	ts.transfer.SecondTick()
	assert.Len(t, messagesOfType(tr.messages(t), pp.Request), 2)
	assert.Equal(t, "ic--", ts.info(h).Flags)
}

func TestPeerDownloadThrottle(t *testing.T) {
	ts := newTestSwarm(t, testSwarmOpts{configure: func(cfg *Config) {
		cfg.IgnoreBandwidthLimitsLocal = false
		cfg.InitialQueueSize = 8
		cfg.PeerDownloadRateLimit = 2 * testBlockSize
	}})
	h, tr := ts.connect(1, noExtensions)
	ts.send(h, allPieces(testNumPieces), pp.Message{Type: pp.Unchoke})
	assert.Empty(t, messagesOfType(tr.messages(t), pp.Request))
	ts.transfer.SecondTick()
	reqs := messagesOfType(tr.messages(t), pp.Request)
	require.Len(t, reqs, 2)
	// The window hasn't passed, so there's nothing more to assign.
	for _, r := range reqs {
		ts.send(h, ts.pieceMessage(r.RequestSpec()))
	}
	ts.transfer.SecondTick()
	assert.Empty(t, messagesOfType(tr.messages(t), pp.Request))
	ts.clock.Advance(time.Second)
	ts.transfer.SecondTick()
	assert.Len(t, messagesOfType(tr.messages(t), pp.Request), 2)
}
