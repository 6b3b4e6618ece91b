// Package choking decides which peers we upload to.
package choking

import (
	"math/rand/v2"
	"slices"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"
)

const (
	DefaultUnchokeSlots    = 4
	DefaultOptimisticEvery = 3
	// Peers connected for less than this are weighted higher when picking an optimistic unchoke.
	DefaultNewPeerAge = time.Minute
)

type Config struct {
	// Peers unchoked by rank. The optimistic unchoke is in addition to these.
	UnchokeSlots int
	// The optimistic unchoke rotates every this many cycles.
	OptimisticEvery int
	NewPeerAge      time.Duration
	// Source for optimistic picks. The global source is used if nil.
	Rand *rand.Rand
}

func (cfg *Config) setDefaults() {
	if cfg.UnchokeSlots <= 0 {
		cfg.UnchokeSlots = DefaultUnchokeSlots
	}
	if cfg.OptimisticEvery <= 0 {
		cfg.OptimisticEvery = DefaultOptimisticEvery
	}
	if cfg.NewPeerAge == 0 {
		cfg.NewPeerAge = DefaultNewPeerAge
	}
}

// A peer's state as seen by one choke cycle.
type Peer[P comparable] struct {
	Id P
	// They're interested in what we have.
	Interested bool
	// We're choking them.
	Choked bool
	// Bytes since the previous cycle.
	Downloaded, Uploaded int64
	ConnectedAt          time.Time
	Snubbed              bool
}

// The outcome for one peer. Changed is set if Choke differs from the peer's input state.
type Decision[P comparable] struct {
	Id         P
	Choke      bool
	Optimistic bool
	Changed    bool
}

// Runs choke cycles for one transfer. Not safe for concurrent use.
type Choker[P comparable] struct {
	cfg        Config
	cycles     int
	optimistic g.Option[P]
}

func New[P comparable](cfg Config) *Choker[P] {
	cfg.setDefaults()
	return &Choker[P]{cfg: cfg}
}

func (c *Choker[P]) Optimistic() g.Option[P] {
	return c.optimistic
}

// Ranks peers by the rate they give us (or we give them, when seeding). Ties go to the older
// connection, then to input order.
func (c *Choker[P]) rankCmp(peers []Peer[P], seeding bool) func(i, j int) int {
	return func(i, j int) int {
		l, r := &peers[i], &peers[j]
		ml := multiless.New()
		if seeding {
			ml = ml.Int64(r.Uploaded, l.Uploaded)
		} else {
			ml = ml.Bool(l.Snubbed, r.Snubbed).Int64(r.Downloaded, l.Downloaded)
		}
		ml = ml.Int64(l.ConnectedAt.UnixNano(), r.ConnectedAt.UnixNano()).Int(i, j)
		return ml.OrderingInt()
	}
}

// Runs one cycle and returns a decision for every peer, in input order. Uninterested peers are
// always choked.
func (c *Choker[P]) Cycle(now time.Time, peers []Peer[P], seeding bool) []Decision[P] {
	rotate := c.cycles%c.cfg.OptimisticEvery == 0
	c.cycles++
	index := make(map[P]int, len(peers))
	for i, p := range peers {
		index[p.Id] = i
	}
	if c.optimistic.Ok {
		i, ok := index[c.optimistic.Value]
		if !ok || !peers[i].Interested {
			c.optimistic = g.None[P]()
			rotate = true
		}
	}
	var ranked []int
	for i, p := range peers {
		if !p.Interested {
			continue
		}
		if !rotate && c.optimistic.Ok && c.optimistic.Value == p.Id {
			continue
		}
		ranked = append(ranked, i)
	}
	cmp := c.rankCmp(peers, seeding)
	slices.SortStableFunc(ranked, cmp)
	unchoke := make([]bool, len(peers))
	regular := ranked[:min(len(ranked), c.cfg.UnchokeSlots)]
	for _, i := range regular {
		unchoke[i] = true
	}
	if rotate {
		c.optimistic = c.pickOptimistic(now, peers, ranked[len(regular):])
	}
	if c.optimistic.Ok {
		unchoke[index[c.optimistic.Value]] = true
	}
	ret := make([]Decision[P], 0, len(peers))
	for i, p := range peers {
		ret = append(ret, Decision[P]{
			Id:         p.Id,
			Choke:      !unchoke[i],
			Optimistic: c.optimistic.Ok && c.optimistic.Value == p.Id,
			Changed:    p.Choked == unchoke[i],
		})
	}
	return ret
}

// Picks from interested peers that didn't make the regular slots. New peers get three chances.
func (c *Choker[P]) pickOptimistic(now time.Time, peers []Peer[P], candidates []int) g.Option[P] {
	var weighted []int
	for _, i := range candidates {
		weighted = append(weighted, i)
		if now.Sub(peers[i].ConnectedAt) < c.cfg.NewPeerAge {
			weighted = append(weighted, i, i)
		}
	}
	if len(weighted) == 0 {
		return g.None[P]()
	}
	var n int
	if c.cfg.Rand != nil {
		n = c.cfg.Rand.IntN(len(weighted))
	} else {
		n = rand.IntN(len(weighted))
	}
	return g.Some(peers[weighted[n]].Id)
}
