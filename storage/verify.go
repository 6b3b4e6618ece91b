package storage

import (
	"bytes"
	"context"
	"crypto/sha1"

	"github.com/pkg/errors"
)

// Reads the piece back through the gateway and compares its SHA1 with hash. A read error is returned
// as such, not as a mismatch.
func VerifyPiece(ctx context.Context, gw Gateway, piece int, length int, hash [sha1.Size]byte) (bool, error) {
	var c Completion
	select {
	case c = <-gw.Read(ctx, piece, 0, length):
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if c.Err != nil {
		return false, errors.Wrapf(c.Err, "reading piece %d", piece)
	}
	sum := sha1.Sum(c.Data)
	return bytes.Equal(sum[:], hash[:]), nil
}

// Piece hashes for data split into pieces of pieceLength, for seeding and tests.
func PieceHashes(data []byte, pieceLength int) (ret [][sha1.Size]byte) {
	for off := 0; off < len(data); off += pieceLength {
		ret = append(ret, sha1.Sum(data[off:min(off+pieceLength, len(data))]))
	}
	return
}
