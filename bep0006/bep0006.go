// Package bep0006 generates the allowed fast set from BEP 6: pieces a peer may request from us while
// choked.
package bep0006

import (
	"crypto/sha1"
	"encoding/binary"
	"net/netip"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/anacrolix/swarm/types"
)

// Returns the k piece indices allowed to the peer at ip. IPv4 addresses are masked to their /24, as
// in the BEP. IPv6 addresses are masked to their /64 so peers sharing a prefix get the same set.
func AllowedFastSet(ip netip.Addr, infoHash types.InfoHash, numPieces, k int) (*roaring.Bitmap, error) {
	if numPieces <= 0 {
		return nil, errors.New("numPieces must be positive")
	}
	if k > numPieces {
		return nil, errors.Errorf("k (%d) greater than numPieces (%d)", k, numPieces)
	}
	set := roaring.New()
	if k <= 0 {
		return set, nil
	}
	x := maskedAddr(ip)
	x = append(x, infoHash[:]...)
	for set.GetCardinality() < uint64(k) {
		h := sha1.Sum(x)
		x = h[:]
		for i := 0; i < 5 && set.GetCardinality() < uint64(k); i++ {
			y := binary.BigEndian.Uint32(x[i*4:])
			set.Add(y % uint32(numPieces))
		}
	}
	return set, nil
}

func maskedAddr(ip netip.Addr) []byte {
	ip = ip.Unmap()
	if ip.Is4() {
		b := ip.As4()
		b[3] = 0
		return b[:]
	}
	b := ip.As16()
	clear(b[8:])
	return b[:8]
}
