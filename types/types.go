// Package types contains values shared between the scheduler, the wire protocol and the swarm
// package.
package types

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Peer client ID.
type PeerID [20]byte

var _ slog.LogValuer = PeerID{}

func (me PeerID) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%+q", me[:]))
}

// Follows the BEP 20 convention of an ASCII client prefix followed by random bytes.
func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

// 20-byte SHA1 of a torrent's info dictionary.
type InfoHash [20]byte

func (ih InfoHash) HexString() string {
	return hex.EncodeToString(ih[:])
}

func (ih InfoHash) String() string {
	return ih.HexString()
}

// The first 8 hex characters, for log names.
func (ih InfoHash) Short() string {
	return ih.HexString()[:8]
}

// Identifies a fixed-size sub-range of a piece. The last block of a piece may be shorter.
type PieceBlock struct {
	Piece int
	Block int
}

func (b PieceBlock) String() string {
	return fmt.Sprintf("piece %d block %d", b.Piece, b.Block)
}

// Orders blocks by piece, then block.
func (b PieceBlock) Less(r PieceBlock) bool {
	if b.Piece != r.Piece {
		return b.Piece < r.Piece
	}
	return b.Block < r.Block
}

type ChunkSpec struct {
	Begin, Length uint32
}

// A byte range within a piece, as carried by request, cancel, reject and piece messages.
type Request struct {
	Index uint32
	ChunkSpec
}

func (r Request) String() string {
	return fmt.Sprintf("piece %v, %v bytes at %v", r.Index, r.Length, r.Begin)
}
