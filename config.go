package swarm

import (
	"strings"
	"time"

	"github.com/anacrolix/log"
	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	pp "github.com/anacrolix/swarm/peer_protocol"
	"github.com/anacrolix/swarm/types"
	"github.com/anacrolix/swarm/version"
)

const (
	defaultChunkSize = 0x4000 // 16KiB
	// The most outstanding requests we'll let a peer have with us.
	maxRequests = 500
	// Target seconds of data in flight when sizing a peer's request queue.
	queueTime = 3
)

// Probably not safe to modify this after it's given to a Transfer, or to pass it to multiple
// Clients.
type Config struct {
	// Bytes per block. Requests are aligned to this.
	BlockSize int `long:"block-size"`
	// Upper bound on a session's download queue. A peer's extended handshake can override this for
	// its session.
	MaxOutRequestQueue int `long:"max-out-request-queue"`
	// Desired queue size before any rate is known.
	InitialQueueSize int
	// Messages declaring a longer length are fatal to the session.
	MaxMessageLength int
	// An unanswered request older than this is returned to the scheduler and the peer is snubbed.
	RequestTimeout time.Duration `long:"request-timeout"`
	// Consecutive request timeouts before the session is disconnected.
	MaxRequestTimeouts int
	// Disconnect after receiving nothing for this long.
	PeerTimeout      time.Duration
	HandshakeTimeout time.Duration
	// Disconnect when neither side has been interested for this long.
	InactivityTimeout time.Duration
	KeepAliveInterval time.Duration

	// Peers unchoked by rank each choke cycle.
	UnchokeSlots int `long:"unchoke-slots"`
	// Seconds between choke cycles.
	ChokeInterval int
	// Choke cycles between optimistic unchoke rotations.
	OptimisticUnchokeEvery int

	// Requests a peer may have queued with us.
	MaxAllowedInRequests int
	// Bad requests tolerated before disconnecting.
	MaxInvalidRequests int
	// Pieces a fast extension peer may request from us while choked.
	AllowedFastSetSize int
	// Exhaust started pieces before starting new ones.
	PreferWholePieces bool

	// Sessions with loopback or private addresses aren't subject to rate limits.
	IgnoreBandwidthLimitsLocal bool
	// Each limiter token represents one byte. Nil means unlimited.
	UploadRateLimiter   *rate.Limiter
	DownloadRateLimiter *rate.Limiter
	// Bytes per second for each session, within the transfer-wide limits. Zero is unlimited.
	PeerUploadRateLimit   int `long:"peer-upload-rate"`
	PeerDownloadRateLimit int `long:"peer-download-rate"`

	// Drop connections that can't be useful to either side.
	DisconnectRedundant bool `long:"disconnect-redundant"`

	PeerID     types.PeerID
	Extensions pp.PeerExtensionBits
	// The 'v' value in the extended handshake.
	ExtendedHandshakeClientVersion string

	Logger    log.Logger
	Callbacks Callbacks
	// The clock. Tests replace this.
	Now func() time.Time
}

func defaultPeerExtensionBytes() pp.PeerExtensionBits {
	return pp.NewPeerExtensionBytes(pp.ExtensionBitFast, pp.ExtensionBitLtep)
}

func NewDefaultConfig() *Config {
	return &Config{
		BlockSize:                      defaultChunkSize,
		MaxOutRequestQueue:             250,
		InitialQueueSize:               2,
		MaxMessageLength:               256<<10 + 16,
		RequestTimeout:                 20 * time.Second,
		MaxRequestTimeouts:             3,
		PeerTimeout:                    2 * time.Minute,
		HandshakeTimeout:               10 * time.Second,
		InactivityTimeout:              10 * time.Minute,
		KeepAliveInterval:              time.Minute,
		UnchokeSlots:                   4,
		ChokeInterval:                  10,
		OptimisticUnchokeEvery:         3,
		MaxAllowedInRequests:           maxRequests,
		MaxInvalidRequests:             100,
		AllowedFastSetSize:             10,
		IgnoreBandwidthLimitsLocal:     true,
		DisconnectRedundant:            true,
		PeerID:                         NewPeerID(),
		Extensions:                     defaultPeerExtensionBytes(),
		ExtendedHandshakeClientVersion: version.DefaultExtendedHandshakeClientVersion,
		Logger:                         log.Default,
		Now:                            time.Now,
	}
}

// Accepts low, medium, high, unlimited, or a size per second like "2MB". The burst holds three
// seconds of data.
func ParseRateLimit(s string) (*rate.Limiter, error) {
	var bytesPerSec int
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "low":
		bytesPerSec = 50_000
	case "medium":
		bytesPerSec = 500_000
	case "high":
		bytesPerSec = 1_500_000
	case "unlimited", "0", "":
		return rate.NewLimiter(rate.Inf, 0), nil
	default:
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(s)); err != nil {
			return nil, errors.Wrapf(err, "parsing rate %q", s)
		}
		if v > 1<<31-1 {
			return nil, errors.Errorf("rate %v too large", v)
		}
		bytesPerSec = int(v)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec*3), nil
}
