package requestStrategy

import (
	"slices"

	"github.com/RoaringBitmap/roaring"
	mapset "github.com/deckarep/golang-set/v2"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/swarm/types"
)

type BlockState int

const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockHave
)

func (s BlockState) String() string {
	switch s {
	case BlockMissing:
		return "missing"
	case BlockRequested:
		return "requested"
	case BlockHave:
		return "have"
	}
	return "unknown"
}

type blockInfo[P comparable] struct {
	state      BlockState
	requesters mapset.Set[P]
}

type pieceInfo[P comparable] struct {
	blocks       []blockInfo[P]
	numMissing   int
	numHave      int
	availability int
	verified     bool
}

// A block handed to a peer. Duplicate is set when the block was already requested from another peer
// (endgame).
type Assignment struct {
	Block     types.PieceBlock
	Duplicate bool
}

type Stats struct {
	Pieces          int
	PiecesVerified  int
	BlocksMissing   int
	BlocksRequested int
	BlocksHave      int
	Endgame         bool
}

// Tracks piece availability and per-block state for one transfer, and assigns blocks to peers. P
// identifies peers and must be stable for a peer's lifetime. Not safe for concurrent use: callers
// serialize on the transfer lock.
type Scheduler[P comparable] struct {
	layout Layout
	pieces []pieceInfo[P]
	// Unverified pieces in selection order.
	order *pieceOrder
	// Blocks each peer holds a reservation on.
	reserved map[P]mapset.Set[types.PieceBlock]
	// Pieces each peer contributes to availability.
	peerPieces map[P]*roaring.Bitmap
	// Missing blocks across all unverified pieces. Endgame when zero.
	missing int
}

// have holds pieces already verified locally, and may be nil.
func NewScheduler[P comparable](layout Layout, have *roaring.Bitmap) *Scheduler[P] {
	s := &Scheduler[P]{
		layout:     layout,
		pieces:     make([]pieceInfo[P], layout.NumPieces),
		order:      newPieceOrder(layout.NumPieces),
		reserved:   make(map[P]mapset.Set[types.PieceBlock]),
		peerPieces: make(map[P]*roaring.Bitmap),
	}
	for i := range s.pieces {
		p := &s.pieces[i]
		p.blocks = make([]blockInfo[P], layout.BlocksInPiece(i))
		if have != nil && have.Contains(uint32(i)) {
			p.verified = true
			p.numHave = len(p.blocks)
			for j := range p.blocks {
				p.blocks[j].state = BlockHave
			}
			continue
		}
		p.numMissing = len(p.blocks)
		s.missing += p.numMissing
		s.order.Add(i, 0)
	}
	return s
}

func (s *Scheduler[P]) Layout() Layout {
	return s.layout
}

func (s *Scheduler[P]) block(b types.PieceBlock) *blockInfo[P] {
	return &s.pieces[b.Piece].blocks[b.Block]
}

func (s *Scheduler[P]) validBlock(b types.PieceBlock) bool {
	return b.Piece >= 0 && b.Piece < len(s.pieces) && b.Block >= 0 && b.Block < len(s.pieces[b.Piece].blocks)
}

// Every unverified block is at least requested, so blocks may be handed to a second peer.
func (s *Scheduler[P]) InEndgame() bool {
	return s.missing == 0 && s.order.Len() != 0
}

// Picks the next block for peer to request, reserving it. Returns None if the peer has nothing we
// want that isn't already reserved to it.
func (s *Scheduler[P]) NextBlockFor(peer P, in PeerInput) g.Option[Assignment] {
	if b, ok := s.nextMissing(&in); ok {
		s.reserve(peer, b)
		return g.Some(Assignment{Block: b})
	}
	if !s.InEndgame() {
		return g.None[Assignment]()
	}
	if b, ok := s.nextDuplicate(peer, &in); ok {
		s.reserve(peer, b)
		return g.Some(Assignment{Block: b, Duplicate: true})
	}
	return g.None[Assignment]()
}

func (s *Scheduler[P]) firstMissingBlock(piece int) (types.PieceBlock, bool) {
	p := &s.pieces[piece]
	if p.verified || p.numMissing == 0 {
		return types.PieceBlock{}, false
	}
	for i := range p.blocks {
		if p.blocks[i].state == BlockMissing {
			return types.PieceBlock{Piece: piece, Block: i}, true
		}
	}
	panic("missing count out of sync")
}

// Started pieces have blocks that aren't missing but some that still are.
func (s *Scheduler[P]) partial(piece int) bool {
	p := &s.pieces[piece]
	return p.numMissing != 0 && p.numMissing != len(p.blocks)
}

func (s *Scheduler[P]) nextMissing(in *PeerInput) (b types.PieceBlock, ok bool) {
	if s.missing == 0 {
		return
	}
	for _, i := range in.Suggested {
		if i < 0 || i >= len(s.pieces) || !in.canRequestPiece(i) {
			continue
		}
		if b, ok = s.firstMissingBlock(i); ok {
			return
		}
	}
	scan := func(filter func(int) bool) {
		s.order.Scan(func(i int) bool {
			if filter != nil && !filter(i) {
				return true
			}
			if !in.canRequestPiece(i) {
				return true
			}
			b, ok = s.firstMissingBlock(i)
			return !ok
		})
	}
	if in.PreferWholePieces {
		scan(s.partial)
		if ok {
			return
		}
	}
	scan(nil)
	return
}

// In endgame, the requested block the peer doesn't already have a reservation on with the fewest
// requesters, rarest piece first.
func (s *Scheduler[P]) nextDuplicate(peer P, in *PeerInput) (ret types.PieceBlock, ok bool) {
	best := 0
	s.order.Scan(func(i int) bool {
		if !in.canRequestPiece(i) {
			return true
		}
		for j := range s.pieces[i].blocks {
			bi := &s.pieces[i].blocks[j]
			if bi.state != BlockRequested || bi.requesters.Contains(peer) {
				continue
			}
			n := bi.requesters.Cardinality()
			if !ok || n < best {
				ret = types.PieceBlock{Piece: i, Block: j}
				best = n
				ok = true
			}
		}
		return !ok || best > 1
	})
	return
}

func (s *Scheduler[P]) reserve(peer P, b types.PieceBlock) {
	bi := s.block(b)
	switch bi.state {
	case BlockMissing:
		panicif.NotNil(bi.requesters)
		bi.state = BlockRequested
		bi.requesters = mapset.NewThreadUnsafeSet(peer)
		s.pieces[b.Piece].numMissing--
		s.missing--
	case BlockRequested:
		// Only endgame hands out a block twice.
		panicif.NotEq(s.missing, 0)
		panicif.False(bi.requesters.Add(peer))
	default:
		panic(bi.state)
	}
	set, ok := s.reserved[peer]
	if !ok {
		set = mapset.NewThreadUnsafeSet[types.PieceBlock]()
		s.reserved[peer] = set
	}
	set.Add(b)
}

func (s *Scheduler[P]) unreserve(peer P, b types.PieceBlock) {
	if set, ok := s.reserved[peer]; ok {
		set.Remove(b)
		if set.Cardinality() == 0 {
			delete(s.reserved, peer)
		}
	}
}

func (s *Scheduler[P]) setMissing(b types.PieceBlock) {
	bi := s.block(b)
	bi.state = BlockMissing
	bi.requesters = nil
	s.pieces[b.Piece].numMissing++
	s.missing++
}

// Records the arrival of b from by. The first arrival wins: the block becomes have, and the other
// requesters are returned so their requests can be cancelled. first is false if the block was
// already have, in which case nothing changes and the data should be discarded.
func (s *Scheduler[P]) BlockCompleted(b types.PieceBlock, by P) (losers []P, first bool) {
	if !s.validBlock(b) {
		return
	}
	bi := s.block(b)
	switch bi.state {
	case BlockHave:
		return
	case BlockMissing:
		s.pieces[b.Piece].numMissing--
		s.missing--
	case BlockRequested:
		for _, peer := range bi.requesters.ToSlice() {
			s.unreserve(peer, b)
			if peer != by {
				losers = append(losers, peer)
			}
		}
	}
	bi.state = BlockHave
	bi.requesters = nil
	s.pieces[b.Piece].numHave++
	return losers, true
}

// Returns a single reservation. The block becomes missing if no other peer has requested it.
func (s *Scheduler[P]) Release(peer P, b types.PieceBlock) bool {
	if !s.validBlock(b) {
		return false
	}
	bi := s.block(b)
	if bi.state != BlockRequested || !bi.requesters.Contains(peer) {
		return false
	}
	s.unreserve(peer, b)
	bi.requesters.Remove(peer)
	if bi.requesters.Cardinality() == 0 {
		s.setMissing(b)
	}
	return true
}

// Returns all of peer's reservations, in block order.
func (s *Scheduler[P]) ReleasePeer(peer P) (released []types.PieceBlock) {
	set, ok := s.reserved[peer]
	if !ok {
		return nil
	}
	released = set.ToSlice()
	slices.SortFunc(released, func(a, b types.PieceBlock) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	for _, b := range released {
		s.Release(peer, b)
	}
	panicif.True(s.reservedBy(peer) != 0)
	return
}

func (s *Scheduler[P]) reservedBy(peer P) int {
	if set, ok := s.reserved[peer]; ok {
		return set.Cardinality()
	}
	return 0
}

// The number of blocks peer holds reservations on.
func (s *Scheduler[P]) Reserved(peer P) int {
	return s.reservedBy(peer)
}

func (s *Scheduler[P]) addAvailability(piece, delta int) {
	p := &s.pieces[piece]
	p.availability += delta
	panicif.LessThan(p.availability, 0)
	if s.order.Contains(piece) {
		s.order.Add(piece, p.availability)
	}
}

// Counts piece as available from peer. Returns false if it was already counted.
func (s *Scheduler[P]) MarkHave(peer P, piece int) bool {
	if piece < 0 || piece >= len(s.pieces) {
		return false
	}
	bm, ok := s.peerPieces[peer]
	if !ok {
		bm = roaring.New()
		s.peerPieces[peer] = bm
	}
	if !bm.CheckedAdd(uint32(piece)) {
		return false
	}
	s.addAvailability(piece, 1)
	return true
}

// Bulk MarkHave, for bitfield and have-all.
func (s *Scheduler[P]) AddAvailability(peer P, pieces *roaring.Bitmap) {
	it := pieces.Iterator()
	for it.HasNext() {
		s.MarkHave(peer, int(it.Next()))
	}
}

func (s *Scheduler[P]) RemoveAvailability(peer P, piece int) bool {
	bm, ok := s.peerPieces[peer]
	if !ok || !bm.CheckedRemove(uint32(piece)) {
		return false
	}
	s.addAvailability(piece, -1)
	return true
}

// Forgets everything peer contributed to availability.
func (s *Scheduler[P]) RemovePeerAvailability(peer P) {
	bm, ok := s.peerPieces[peer]
	if !ok {
		return
	}
	delete(s.peerPieces, peer)
	it := bm.Iterator()
	for it.HasNext() {
		s.addAvailability(int(it.Next()), -1)
	}
}

// The block's data couldn't be stored. It's requested again from scratch.
func (s *Scheduler[P]) WriteFailed(b types.PieceBlock) {
	if !s.validBlock(b) {
		return
	}
	p := &s.pieces[b.Piece]
	if p.verified || s.block(b).state != BlockHave {
		return
	}
	p.numHave--
	s.setMissing(b)
}

// All blocks of the piece have arrived and it awaits verification.
func (s *Scheduler[P]) PieceComplete(piece int) bool {
	p := &s.pieces[piece]
	return !p.verified && p.numHave == len(p.blocks)
}

func (s *Scheduler[P]) PieceVerified(piece int) {
	p := &s.pieces[piece]
	panicif.NotEq(p.numHave, len(p.blocks))
	p.verified = true
	s.order.Delete(piece)
}

// The piece failed its hash check. Every block is requested again.
func (s *Scheduler[P]) PieceFailed(piece int) {
	p := &s.pieces[piece]
	if p.verified {
		return
	}
	for i := range p.blocks {
		if p.blocks[i].state == BlockHave {
			p.numHave--
			s.setMissing(types.PieceBlock{Piece: piece, Block: i})
		}
	}
}

func (s *Scheduler[P]) HavePiece(piece int) bool {
	return s.pieces[piece].verified
}

func (s *Scheduler[P]) Availability(piece int) int {
	return s.pieces[piece].availability
}

func (s *Scheduler[P]) BlockState(b types.PieceBlock) BlockState {
	return s.block(b).state
}

func (s *Scheduler[P]) Requesters(b types.PieceBlock) []P {
	bi := s.block(b)
	if bi.requesters == nil {
		return nil
	}
	return bi.requesters.ToSlice()
}

// Whether any unverified piece we could request from a peer with hasPiece remains. Used for
// interest.
func (s *Scheduler[P]) Wants(hasPiece func(int) bool) (wants bool) {
	s.order.Scan(func(i int) bool {
		if hasPiece(i) && !s.PieceComplete(i) {
			wants = true
		}
		return !wants
	})
	return
}

func (s *Scheduler[P]) Stats() (ret Stats) {
	ret.Pieces = len(s.pieces)
	ret.Endgame = s.InEndgame()
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.verified {
			ret.PiecesVerified++
		}
		ret.BlocksMissing += p.numMissing
		ret.BlocksHave += p.numHave
		ret.BlocksRequested += len(p.blocks) - p.numMissing - p.numHave
	}
	return
}
