// Package cursor rate-limits the live pointer broadcast. Cursor positions are
// transient: they are never persisted and never replayed, so dropping
// intermediate positions under the rate limit is free.
package cursor

import (
	"sync"
	"time"

	"MapBoard/internal/state"
)

// MinInterval is the minimum gap between two cursor frames (about 20 Hz).
const MinInterval = 50 * time.Millisecond

// Broadcaster is an explicit interval gate in front of a send function.
type Broadcaster struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
	send     func(state.Cursor)
	now      func() time.Time
}

// NewBroadcaster creates a gate that forwards at most one cursor per
// MinInterval to send.
func NewBroadcaster(send func(state.Cursor)) *Broadcaster {
	return &Broadcaster{
		interval: MinInterval,
		send:     send,
		now:      time.Now,
	}
}

// Offer forwards the cursor if the minimum interval has elapsed since the last
// forwarded one; otherwise the position is dropped.
func (b *Broadcaster) Offer(c state.Cursor) {
	b.mu.Lock()
	now := b.now()
	if now.Sub(b.last) < b.interval {
		b.mu.Unlock()
		return
	}
	b.last = now
	b.mu.Unlock()
	b.send(c)
}
