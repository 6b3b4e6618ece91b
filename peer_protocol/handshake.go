package peer_protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"github.com/pkg/errors"

	"github.com/anacrolix/swarm/types"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
const (
	ExtensionBitDht  = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html
	ExtensionBitLtep = 20
)

// pstrlen + pstr + reserved + info hash + peer id
const HandshakeLen = 1 + 19 + 8 + 20 + 20

type PeerExtensionBits [8]byte

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	// Ordered by their bit position left to right.
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	pexHex := hex.EncodeToString(pex[:])
	tags := make([]string, 0, len(bitTags)+1)
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
			pex.SetBit(bitTag.bit, false)
		}
	}
	unknownCount := 0
	for _, b := range pex {
		unknownCount += bits.OnesCount8(b)
	}
	if unknownCount != 0 {
		tags = append(tags, fmt.Sprintf("%v unknown", unknownCount))
	}
	return fmt.Sprintf("%v (%s)", pexHex, strings.Join(tags, ", "))
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitLtep)
}

func (pex PeerExtensionBits) SupportsDHT() bool {
	return pex.GetBit(ExtensionBitDht)
}

func (pex PeerExtensionBits) SupportsFast() bool {
	return pex.GetBit(ExtensionBitFast)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

type Handshake struct {
	Extensions PeerExtensionBits
	InfoHash   types.InfoHash
	PeerID     types.PeerID
}

func (hs Handshake) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, Protocol...)
	b = append(b, hs.Extensions[:]...)
	b = append(b, hs.InfoHash[:]...)
	b = append(b, hs.PeerID[:]...)
	return b, nil
}

func ParseHandshake(b []byte) (hs Handshake, err error) {
	if len(b) != HandshakeLen {
		err = fmt.Errorf("handshake has length %d", len(b))
		return
	}
	if !bytes.Equal(b[:len(Protocol)], []byte(Protocol)) {
		err = fmt.Errorf("unexpected protocol string %q", b[:len(Protocol)])
		return
	}
	b = b[len(Protocol):]
	copy(hs.Extensions[:], b[:8])
	copy(hs.InfoHash[:], b[8:28])
	copy(hs.PeerID[:], b[28:48])
	return
}

// Reads a complete handshake from r. Used where the info hash must be known before a connection
// can be handed to a transfer.
func ReadHandshake(r io.Reader) (hs Handshake, err error) {
	var b [HandshakeLen]byte
	_, err = io.ReadFull(r, b[:])
	if err != nil {
		err = errors.Wrap(err, "reading handshake")
		return
	}
	return ParseHandshake(b[:])
}
