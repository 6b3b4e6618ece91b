package ratelimit

import (
	"slices"
	"time"

	"golang.org/x/time/rate"
)

// Assignments count against a channel's throttle for this long.
const DefaultWindow = time.Second

type request struct {
	ch       *Channel
	want     int
	priority int
}

type assignment struct {
	ch     *Channel
	amount int
	at     time.Time
}

// The assignable budget for one direction of a transfer (or a whole client). Each limiter token is
// one byte. Not safe for concurrent use: it's owned by the transfer and mutated under its lock.
type Pool struct {
	limiter *rate.Limiter
	Window  time.Duration
	queue   []request
	history []assignment
}

// A nil limiter means unlimited.
func NewPool(limiter *rate.Limiter) *Pool {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Pool{
		limiter: limiter,
		Window:  DefaultWindow,
	}
}

func (p *Pool) unlimited() bool {
	return p.limiter.Limit() == rate.Inf
}

// The pool's rate in bytes per second, or Inf.
func (p *Pool) Throttle() int {
	if p.unlimited() {
		return Inf
	}
	return int(p.limiter.Limit())
}

// The most that could be handed out right now.
func (p *Pool) MaxAssignable(now time.Time) int {
	if p.unlimited() {
		return Inf
	}
	return max(int(p.limiter.TokensAt(now)), 0)
}

// Queues a request for quota to be served at the next Tick. A channel has at most one queued
// request, later calls replace the amount wanted.
func (p *Pool) Request(ch *Channel, want, priority int) {
	if want <= 0 {
		return
	}
	for i := range p.queue {
		if p.queue[i].ch == ch {
			p.queue[i].want = want
			p.queue[i].priority = priority
			return
		}
	}
	p.queue = append(p.queue, request{ch, want, priority})
}

func (p *Pool) Queued(ch *Channel) bool {
	return slices.ContainsFunc(p.queue, func(r request) bool { return r.ch == ch })
}

// Expires assignments older than the window, then serves queued requests in priority order. Requests
// that can't be served fully stay queued for the next tick. Returns the amount assigned to each
// channel that received quota.
func (p *Pool) Tick(now time.Time) (granted map[*Channel]int) {
	p.expire(now)
	slices.SortStableFunc(p.queue, func(a, b request) int {
		return b.priority - a.priority
	})
	budget := p.MaxAssignable(now)
	remaining := p.queue[:0]
	for _, r := range p.queue {
		amount := min(r.want, r.ch.MaxAssignable(), budget)
		if amount > 0 && !p.unlimited() && !p.limiter.AllowN(now, amount) {
			amount = 0
		}
		if amount > 0 {
			r.ch.Assign(amount)
			p.history = append(p.history, assignment{r.ch, amount, now})
			if granted == nil {
				granted = make(map[*Channel]int)
			}
			granted[r.ch] += amount
			if budget != Inf {
				budget -= amount
			}
			r.want -= amount
		}
		if r.want > 0 {
			remaining = append(remaining, r)
		}
	}
	clear(p.queue[len(remaining):])
	p.queue = remaining
	return
}

func (p *Pool) expire(now time.Time) {
	keep := p.history[:0]
	for _, a := range p.history {
		if now.Sub(a.at) >= p.Window {
			a.ch.Expire(a.amount)
		} else {
			keep = append(keep, a)
		}
	}
	clear(p.history[len(keep):])
	p.history = keep
}

// Forgets a channel that's going away: its queued request is dropped and its assignments are
// expired immediately.
func (p *Pool) Release(ch *Channel) {
	p.queue = slices.DeleteFunc(p.queue, func(r request) bool { return r.ch == ch })
	p.history = slices.DeleteFunc(p.history, func(a assignment) bool {
		if a.ch == ch {
			ch.Expire(a.amount)
			return true
		}
		return false
	})
}
