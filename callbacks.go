package swarm

// These are run after the transfer lock is released, in the order the events occurred. They may call
// back into the Transfer. nil functions are not called.
type Callbacks struct {
	PeerEstablished  func(SessionHandle, PeerInfo)
	PeerDisconnected func(DisconnectEvent)
	// A piece passed verification and has been announced to peers.
	PieceCompleted func(piece int)
	// A piece failed verification. Its blocks will be requested again.
	PieceHashFailed func(piece int)
	// Writing a block failed. The block will be requested again.
	BlockWriteFailed func(piece, block int, err error)
}
