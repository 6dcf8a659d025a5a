package engine

import (
	"sync"
	"time"
)

// DeadlineClock translates (started_at, duration) into remaining time and
// fires exactly one expiry signal. The authoritative check recomputes from
// started_at on every tick instead of decrementing a counter, so missed or
// throttled ticks can delay expiry by at most one interval.
type DeadlineClock struct {
	startedAt time.Time
	duration  time.Duration
	interval  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	fired bool

	stop     chan struct{}
	stopOnce sync.Once
}

// ClockOption customizes a DeadlineClock.
type ClockOption func(*DeadlineClock)

// WithTickInterval overrides the default 1s tick.
func WithTickInterval(d time.Duration) ClockOption {
	return func(c *DeadlineClock) { c.interval = d }
}

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) ClockOption {
	return func(c *DeadlineClock) { c.now = now }
}

func NewDeadlineClock(startedAt time.Time, duration time.Duration, opts ...ClockOption) *DeadlineClock {
	c := &DeadlineClock{
		startedAt: startedAt,
		duration:  duration,
		interval:  time.Second,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Remaining computes max(0, started_at + duration - now).
func (c *DeadlineClock) Remaining() time.Duration {
	remaining := c.startedAt.Add(c.duration).Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the deadline has passed.
func (c *DeadlineClock) Expired() bool {
	return c.Remaining() == 0
}

// Start runs the tick loop in a goroutine. onTick is display-only; onExpire
// fires at most once, the first time Remaining reaches zero. If the deadline
// is already past, onExpire fires immediately.
func (c *DeadlineClock) Start(onTick func(remaining time.Duration), onExpire func()) {
	if c.tryExpire(onExpire) {
		return
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				select {
				case <-c.stop:
					return
				default:
				}
				remaining := c.Remaining()
				if onTick != nil {
					onTick(remaining)
				}
				if remaining == 0 {
					c.tryExpire(onExpire)
					return
				}
			}
		}
	}()
}

// tryExpire fires onExpire once if the deadline has passed.
func (c *DeadlineClock) tryExpire(onExpire func()) bool {
	if c.Remaining() > 0 {
		return false
	}
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return true
	}
	c.fired = true
	c.mu.Unlock()

	if onExpire != nil {
		onExpire()
	}
	return true
}

// Stop tears the tick loop down. Safe to call more than once; a tick racing
// Stop is harmless because expiry is still gated by the fired flag and the
// controller's phase check.
func (c *DeadlineClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
