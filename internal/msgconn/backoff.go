package msgconn

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// maxReconnectCount is the counter value above which backoff starts over.
const maxReconnectCount = 20

// reconnectDelay is the wait before the next attempt.
func reconnectDelay(base time.Duration, count int) time.Duration {
	return base * time.Duration(count+1)
}

// nextReconnectCount advances the counter when a retry fires: by one below 5,
// by two from 5, and back to zero once past maxReconnectCount.
func nextReconnectCount(count int) int {
	if count > maxReconnectCount {
		count = 0
	}
	if count < 5 {
		return count + 1
	}
	return count + 2
}

// scheduleReconnectLocked arms a single retry timer. It is a no-op when
// auto-reconnect is off or a retry is already pending. c.mu must be held.
func (c *Conn) scheduleReconnectLocked() {
	if !c.autoConnect || c.retry != nil {
		return
	}
	delay := reconnectDelay(c.opts.ReconnectBaseDelay, c.reconnectCount)
	c.log.Debug().Dur("delay", delay).Int("count", c.reconnectCount).Msg("reconnect scheduled")
	c.metrics.reconnectScheduled()
	var t *clock.Timer
	t = c.clock.AfterFunc(delay, func() { c.fireReconnect(t) })
	c.retry = t
}

func (c *Conn) cancelRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Conn) fireReconnect(t *clock.Timer) {
	c.mu.Lock()
	if c.retry != t {
		// canceled after it fired
		c.mu.Unlock()
		return
	}
	c.retry = nil
	if !c.autoConnect || !c.state.retryable() {
		c.mu.Unlock()
		return
	}
	c.reconnectCount = nextReconnectCount(c.reconnectCount)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout*3+c.opts.ConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reconnect failed")
	}
}
