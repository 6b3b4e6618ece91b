package ratelimit

import (
	"math"

	"github.com/anacrolix/missinggo/v2/panicif"
)

// Returned by Channel.Throttle and MaxAssignable when there is no limit.
const Inf = math.MaxInt

// One direction of a peer's bandwidth. Quota is assigned by a Pool at tick boundaries and consumed
// as bytes are sent or accepted. Assignments stay counted against the throttle until the Pool
// expires them. The zero value is unthrottled.
type Channel struct {
	// Bytes per second. Zero means unlimited.
	limit     int
	assigned  int
	quotaLeft int
}

func (c *Channel) Throttle() int {
	if c.limit == 0 {
		return Inf
	}
	return c.limit
}

// Limits the channel to limit bytes per second. Zero or less removes the limit.
func (c *Channel) SetThrottle(limit int) {
	if limit < 0 {
		limit = 0
	}
	c.limit = limit
}

// How much more quota may be assigned before the channel reaches its throttle.
func (c *Channel) MaxAssignable() int {
	if c.limit == 0 {
		return Inf
	}
	if c.limit <= c.assigned {
		return 0
	}
	return c.limit - c.assigned
}

func (c *Channel) Assign(amount int) {
	panicif.LessThan(amount, 0)
	c.assigned += amount
	c.quotaLeft += amount
}

// Returns a previous assignment. Called by the Pool when an assignment leaves the window.
func (c *Channel) Expire(amount int) {
	c.assigned -= amount
	panicif.LessThan(c.assigned, 0)
}

// Consumes quota. The balance may go negative: a chunk is never split to fit the remaining quota.
func (c *Channel) UseQuota(amount int) {
	c.quotaLeft -= amount
}

func (c *Channel) QuotaLeft() int {
	return max(c.quotaLeft, 0)
}

// Bytes assigned within the current window.
func (c *Channel) Assigned() int {
	return c.assigned
}
