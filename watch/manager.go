package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"studysync-cloud/provider"
	"studysync-cloud/store"
)

const (
	defaultChannelTTL = 7 * 24 * time.Hour
	renewalWindow     = 24 * time.Hour
)

// ErrUnknownChannel is returned for notifications whose channel or resource id
// does not match any registered channel.
var ErrUnknownChannel = errors.New("watch: unknown channel")

// Trigger enqueues a sync run for a calendar. Satisfied by the sync trigger
// queue.
type Trigger interface {
	Enqueue(ctx context.Context, accountID, calendarID, reason string) error
}

// Notification is the relevant subset of a provider push notification.
type Notification struct {
	ChannelID  string
	ResourceID string
	State      string
}

// Manager owns the push-notification channel lifecycle: registration, renewal
// before expiry, and validation of inbound notifications.
type Manager struct {
	client      provider.Client
	channels    *store.ChannelRepo
	trigger     Trigger
	callbackURL string
	channelTTL  time.Duration
}

// New creates a channel manager. callbackURL is the public webhook endpoint
// registered with the provider.
func New(client provider.Client, channels *store.ChannelRepo, trigger Trigger, callbackURL string) *Manager {
	return &Manager{
		client:      client,
		channels:    channels,
		trigger:     trigger,
		callbackURL: callbackURL,
		channelTTL:  defaultChannelTTL,
	}
}

// EnsureChannel registers a watch channel for a calendar, replacing any
// existing one that expires within the renewal window. The new channel is
// registered before the old one is stopped so notifications never lapse.
func (m *Manager) EnsureChannel(ctx context.Context, accountID, calendarID string) (*store.WatchChannel, error) {
	existing, err := m.channels.Get(ctx, accountID, calendarID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && time.Until(existing.Expiration) > renewalWindow {
		return existing, nil
	}

	ch, err := m.client.Watch(ctx, accountID, calendarID, m.callbackURL, m.channelTTL)
	if err != nil {
		return nil, fmt.Errorf("register watch channel for %s/%s: %w", accountID, calendarID, err)
	}
	record := &store.WatchChannel{
		ChannelID:   ch.ID,
		ResourceID:  ch.ResourceID,
		AccountID:   accountID,
		CalendarID:  calendarID,
		CallbackURL: m.callbackURL,
		Expiration:  ch.Expiration,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.channels.Put(ctx, record); err != nil {
		return nil, err
	}

	if existing != nil {
		// Best effort: an already-expired channel fails to stop cleanly and
		// that is fine.
		if err := m.client.StopChannel(ctx, accountID, existing.ChannelID, existing.ResourceID); err != nil {
			log.Printf("Watch: stop old channel %s failed: %v", existing.ChannelID, err)
		}
		if err := m.channels.DeleteReverse(ctx, existing.ChannelID); err != nil {
			log.Printf("Watch: drop reverse lookup %s failed: %v", existing.ChannelID, err)
		}
	}
	return record, nil
}

// StopChannel tears down the channel for a calendar, if any.
func (m *Manager) StopChannel(ctx context.Context, accountID, calendarID string) error {
	existing, err := m.channels.Get(ctx, accountID, calendarID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.client.StopChannel(ctx, accountID, existing.ChannelID, existing.ResourceID); err != nil {
		log.Printf("Watch: stop channel %s failed: %v", existing.ChannelID, err)
	}
	return m.channels.Delete(ctx, existing)
}

// Validate resolves a notification to its registered channel. Notifications
// that do not match a stored channel and resource id are rejected, which
// drops both spoofed requests and stragglers from already-replaced channels.
func (m *Manager) Validate(ctx context.Context, n Notification) (*store.WatchChannel, error) {
	if n.ChannelID == "" || n.ResourceID == "" {
		return nil, ErrUnknownChannel
	}
	ch, err := m.channels.GetByChannelID(ctx, n.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, err
	}
	if ch.ResourceID != n.ResourceID {
		return nil, ErrUnknownChannel
	}
	return ch, nil
}

// HandleNotification validates an inbound notification and enqueues a sync
// for its calendar. The provider's initial "sync" handshake message is
// validated but triggers nothing.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) error {
	ch, err := m.Validate(ctx, n)
	if err != nil {
		return err
	}
	if n.State == "sync" {
		return nil
	}
	return m.trigger.Enqueue(ctx, ch.AccountID, ch.CalendarID, "webhook")
}

// RenewExpiring re-registers every channel that expires within the renewal
// window. Individual failures are logged and do not stop the scan.
func (m *Manager) RenewExpiring(ctx context.Context) error {
	channels, err := m.channels.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if time.Until(ch.Expiration) > renewalWindow {
			continue
		}
		if _, err := m.EnsureChannel(ctx, ch.AccountID, ch.CalendarID); err != nil {
			log.Printf("Watch: renew channel for %s/%s failed: %v", ch.AccountID, ch.CalendarID, err)
			continue
		}
		log.Printf("Watch: renewed channel for %s/%s", ch.AccountID, ch.CalendarID)
	}
	return nil
}
