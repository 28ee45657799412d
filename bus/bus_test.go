package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := NewBus(client)
	b.block = 50 * time.Millisecond
	return b
}

func TestPublishAndTail(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "acct-1", "primary", "running", ""))
	require.NoError(t, b.Publish(ctx, "acct-1", "primary", "error", "remote listing failed"))

	events, nextID, err := b.Tail(ctx, "acct-1", "0")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotEmpty(t, nextID)

	require.Equal(t, "running", events[0].Status)
	require.Equal(t, "error", events[1].Status)
	require.Equal(t, "remote listing failed", events[1].Error)
	require.Equal(t, "primary", events[0].CalendarID)
	require.Equal(t, "acct-1", events[0].AccountID)

	// Tailing from the returned id yields nothing new.
	more, _, err := b.Tail(ctx, "acct-1", nextID)
	require.NoError(t, err)
	require.Empty(t, more)
}

func TestStreamsAreIsolatedPerAccount(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "acct-1", "primary", "idle", ""))

	events, _, err := b.Tail(ctx, "acct-2", "0")
	require.NoError(t, err)
	require.Empty(t, events)
}
