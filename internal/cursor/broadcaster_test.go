package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MapBoard/internal/state"
)

func TestOfferHonorsMinInterval(t *testing.T) {
	var sent []state.Cursor
	b := NewBroadcaster(func(c state.Cursor) { sent = append(sent, c) })

	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.Offer(state.Cursor{UserID: "u1", X: 0.1})
	b.Offer(state.Cursor{UserID: "u1", X: 0.2}) // same instant, dropped
	now = now.Add(MinInterval - time.Millisecond)
	b.Offer(state.Cursor{UserID: "u1", X: 0.3}) // still inside the gap, dropped
	now = now.Add(time.Millisecond)
	b.Offer(state.Cursor{UserID: "u1", X: 0.4}) // gap elapsed

	require.Len(t, sent, 2)
	assert.Equal(t, 0.1, sent[0].X)
	assert.Equal(t, 0.4, sent[1].X)
}

func TestOfferForwardsLatestAfterGap(t *testing.T) {
	var sent []state.Cursor
	b := NewBroadcaster(func(c state.Cursor) { sent = append(sent, c) })

	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		b.Offer(state.Cursor{UserID: "u1", X: float64(i)})
		now = now.Add(10 * time.Millisecond)
	}

	// 100ms of offers at 10ms spacing pass a 50ms gate twice.
	assert.Len(t, sent, 2)
}
