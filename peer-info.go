package swarm

import (
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	g "github.com/anacrolix/generics"

	"github.com/anacrolix/swarm/types"
)

// A snapshot of a session for monitoring.
type PeerInfo struct {
	Handle     SessionHandle
	RemoteAddr net.Addr
	Outgoing   bool
	PeerID     types.PeerID
	// From the extended handshake.
	ClientName string
	State      ConnState
	Flags      string
	Protocol   string
	NumPieces  int

	DownloadQueue      int
	RequestQueue       int
	UploadQueue        int
	DesiredQueueSize   int
	MaxOutRequestQueue int
	Snubbed            bool
	OptimisticUnchoke  bool
	RequestTimeouts    int

	// Bytes per second.
	DownloadRate, UploadRate         int64
	PeakDownloadRate, PeakUploadRate int64
	RTT                              time.Duration
	// Announced with a port message.
	DHTPort g.Option[uint16]

	ConnectedAt time.Time
	LastReceive time.Time
	LastSend    time.Time
	Stats       ConnStats
}

func (pi PeerInfo) String() string {
	return fmt.Sprintf(
		"%v %v %q %v: %d pieces, down %s/s (%d/%d queued), up %s/s",
		pi.RemoteAddr, pi.Flags, pi.ClientName, pi.State,
		pi.NumPieces,
		humanize.Bytes(uint64(pi.DownloadRate)), pi.DownloadQueue, pi.DesiredQueueSize,
		humanize.Bytes(uint64(pi.UploadRate)),
	)
}
