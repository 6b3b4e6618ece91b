package swarm

import (
	"crypto/rand"

	"github.com/anacrolix/swarm/types"
	"github.com/anacrolix/swarm/version"
)

// A BEP 20 style ID: our client prefix followed by random bytes.
func NewPeerID() (id types.PeerID) {
	n := copy(id[:], version.DefaultBep20Prefix)
	rand.Read(id[n:])
	return
}
