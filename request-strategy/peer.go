package requestStrategy

// What the scheduler needs to know about the requesting peer for one selection.
type PeerInput struct {
	HasPiece func(piece int) bool
	// Exhaust pieces other peers have started before starting new ones.
	PreferWholePieces bool
	// Pieces the peer suggested, tried before rarest-first order.
	Suggested []int
	// The peer is choking us. Only allowed-fast pieces can be requested.
	Choked      bool
	AllowedFast func(piece int) bool
}

func (p *PeerInput) pieceAllowedFastOrDefault(i int) bool {
	if f := p.AllowedFast; f != nil {
		return f(i)
	}
	return false
}

func (p *PeerInput) canRequestPiece(i int) bool {
	return (!p.Choked || p.pieceAllowedFastOrDefault(i)) && p.HasPiece(i)
}
