package requestStrategy

import (
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/swarm/types"
)

// The piece and block geometry of a transfer. The last piece, and the last block of any piece, may
// be short.
type Layout struct {
	NumPieces   int
	PieceLength int64
	TotalLength int64
	BlockSize   int
}

func NewLayout(totalLength, pieceLength int64, blockSize int) Layout {
	panicif.LessThanOrEqual(pieceLength, 0)
	panicif.LessThanOrEqual(blockSize, 0)
	return Layout{
		NumPieces:   int((totalLength + pieceLength - 1) / pieceLength),
		PieceLength: pieceLength,
		TotalLength: totalLength,
		BlockSize:   blockSize,
	}
}

func (l Layout) PieceSize(piece int) int64 {
	if piece == l.NumPieces-1 {
		if rem := l.TotalLength % l.PieceLength; rem != 0 {
			return rem
		}
	}
	return l.PieceLength
}

func (l Layout) BlocksInPiece(piece int) int {
	return int((l.PieceSize(piece) + int64(l.BlockSize) - 1) / int64(l.BlockSize))
}

// The wire request covering b.
func (l Layout) BlockSpec(b types.PieceBlock) types.Request {
	begin := int64(b.Block) * int64(l.BlockSize)
	length := min(int64(l.BlockSize), l.PieceSize(b.Piece)-begin)
	return types.Request{
		Index: uint32(b.Piece),
		ChunkSpec: types.ChunkSpec{
			Begin:  uint32(begin),
			Length: uint32(length),
		},
	}
}

// Maps a wire request back to a block. Fails unless r covers exactly one block.
func (l Layout) BlockForSpec(r types.Request) (b types.PieceBlock, ok bool) {
	if int(r.Index) >= l.NumPieces || r.Begin%uint32(l.BlockSize) != 0 {
		return
	}
	b = types.PieceBlock{Piece: int(r.Index), Block: int(r.Begin) / l.BlockSize}
	if b.Block >= l.BlocksInPiece(b.Piece) {
		return
	}
	return b, l.BlockSpec(b) == r
}

// Whether r lies within the transfer, for serving uploads. It needn't be block aligned.
func (l Layout) ValidRequest(r types.Request) bool {
	if int(r.Index) >= l.NumPieces || r.Length == 0 {
		return false
	}
	return int64(r.Begin)+int64(r.Length) <= l.PieceSize(int(r.Index))
}
