package session

import (
	"sync"
	"time"
)

// DefaultTickInterval is the countdown resolution used in production.
const DefaultTickInterval = time.Second

// Countdown decrements the remaining time of one attempt and signals expiry
// exactly once. It is an owned resource: whoever constructs it must call
// Start and Stop explicitly, so a re-created controller never leaves a
// second ticker running for the same attempt.
//
// Every tick recomputes the remaining time from the absolute deadline, not
// by decrementing a counter, so missed ticks (process stalls, suspended
// hosts) cannot stretch the exam.
type Countdown struct {
	deadline time.Time
	interval time.Duration
	now      func() time.Time

	// onTick receives the clamped remaining time once per interval.
	onTick func(remaining time.Duration)
	// onExpiry fires exactly once when the deadline is reached.
	onExpiry func()

	expireOnce sync.Once
	stopOnce   sync.Once
	done       chan struct{}
}

// NewCountdown builds a countdown toward deadline. onTick and onExpiry may
// be nil. A non-positive interval falls back to DefaultTickInterval.
func NewCountdown(deadline time.Time, interval time.Duration, onTick func(time.Duration), onExpiry func()) *Countdown {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Countdown{
		deadline: deadline,
		interval: interval,
		now:      time.Now,
		onTick:   onTick,
		onExpiry: onExpiry,
		done:     make(chan struct{}),
	}
}

// Start begins ticking. If the deadline has already passed (a session
// resumed after the browser was closed past the limit), expiry fires
// immediately instead of ticking negative.
func (c *Countdown) Start() {
	if c.Remaining() <= 0 {
		c.expire()
		return
	}
	go c.run()
}

// Stop cancels further ticks. Safe to call multiple times and after expiry.
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Remaining returns the time left until the deadline, clamped at zero.
func (c *Countdown) Remaining() time.Duration {
	r := c.deadline.Sub(c.now())
	if r < 0 {
		return 0
	}
	return r
}

func (c *Countdown) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			remaining := c.Remaining()
			if c.onTick != nil {
				c.onTick(remaining)
			}
			if remaining <= 0 {
				c.expire()
				return
			}
		}
	}
}

func (c *Countdown) expire() {
	c.expireOnce.Do(func() {
		if c.onExpiry != nil {
			c.onExpiry()
		}
	})
	c.Stop()
}
