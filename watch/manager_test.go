package watch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"studysync-cloud/provider"
	"studysync-cloud/store"
)

type recordedTrigger struct {
	accountID  string
	calendarID string
	reason     string
}

type stubTrigger struct {
	enqueued []recordedTrigger
}

func (s *stubTrigger) Enqueue(ctx context.Context, accountID, calendarID, reason string) error {
	s.enqueued = append(s.enqueued, recordedTrigger{accountID, calendarID, reason})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *provider.Fake, *store.ChannelRepo, *stubTrigger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fake := provider.NewFake()
	channels := store.New(client).Channels
	trigger := &stubTrigger{}
	m := New(fake, channels, trigger, "https://example.com/calendar/webhook/notification")
	return m, fake, channels, trigger
}

func TestEnsureChannelRegistersAndStores(t *testing.T) {
	m, fake, channels, _ := newTestManager(t)
	ctx := context.Background()

	ch, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)
	require.NotEmpty(t, ch.ChannelID)
	require.True(t, ch.Expiration.After(time.Now().Add(6*24*time.Hour)))

	stored, err := channels.GetByChannelID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "acct-1", stored.AccountID)
	require.Equal(t, []string{ch.ChannelID}, fake.ActiveChannels())
}

func TestEnsureChannelKeepsFreshChannel(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)
	second, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)
	require.Equal(t, first.ChannelID, second.ChannelID)
}

func TestEnsureChannelReplacesExpiringChannel(t *testing.T) {
	m, fake, channels, _ := newTestManager(t)
	ctx := context.Background()

	// A short TTL puts the first channel inside the renewal window.
	m.channelTTL = time.Hour
	old, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)

	m.channelTTL = defaultChannelTTL
	renewed, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)
	require.NotEqual(t, old.ChannelID, renewed.ChannelID)

	// Old channel stopped remotely and its reverse lookup dropped.
	require.Equal(t, []string{renewed.ChannelID}, fake.ActiveChannels())
	_, err = channels.GetByChannelID(ctx, old.ChannelID)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := channels.Get(ctx, "acct-1", "primary")
	require.NoError(t, err)
	require.Equal(t, renewed.ChannelID, got.ChannelID)
}

func TestValidateRejectsUnknownChannels(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	ch, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)

	_, err = m.Validate(ctx, Notification{ChannelID: "spoofed", ResourceID: ch.ResourceID})
	require.ErrorIs(t, err, ErrUnknownChannel)

	_, err = m.Validate(ctx, Notification{ChannelID: ch.ChannelID, ResourceID: "wrong-resource"})
	require.ErrorIs(t, err, ErrUnknownChannel)

	resolved, err := m.Validate(ctx, Notification{ChannelID: ch.ChannelID, ResourceID: ch.ResourceID})
	require.NoError(t, err)
	require.Equal(t, "acct-1", resolved.AccountID)
}

func TestHandleNotificationEnqueuesSync(t *testing.T) {
	m, _, _, trigger := newTestManager(t)
	ctx := context.Background()

	ch, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)

	// The initial handshake message validates but triggers nothing.
	require.NoError(t, m.HandleNotification(ctx, Notification{
		ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, State: "sync",
	}))
	require.Empty(t, trigger.enqueued)

	require.NoError(t, m.HandleNotification(ctx, Notification{
		ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, State: "exists",
	}))
	require.Len(t, trigger.enqueued, 1)
	require.Equal(t, recordedTrigger{"acct-1", "primary", "webhook"}, trigger.enqueued[0])
}

func TestRenewExpiringScansAllChannels(t *testing.T) {
	m, fake, channels, _ := newTestManager(t)
	ctx := context.Background()

	m.channelTTL = time.Hour
	expiring, err := m.EnsureChannel(ctx, "acct-1", "primary")
	require.NoError(t, err)

	m.channelTTL = defaultChannelTTL
	fresh, err := m.EnsureChannel(ctx, "acct-2", "primary")
	require.NoError(t, err)

	require.NoError(t, m.RenewExpiring(ctx))

	renewed, err := channels.Get(ctx, "acct-1", "primary")
	require.NoError(t, err)
	require.NotEqual(t, expiring.ChannelID, renewed.ChannelID)

	kept, err := channels.Get(ctx, "acct-2", "primary")
	require.NoError(t, err)
	require.Equal(t, fresh.ChannelID, kept.ChannelID)

	require.Len(t, fake.ActiveChannels(), 2)
}
