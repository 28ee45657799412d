package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionMismatch is returned by UpsertVersioned when the stored version
// moved since the caller read the record.
var ErrVersionMismatch = errors.New("store: version mismatch")

// Store bundles the Redis-backed repositories used by the engine.
type Store struct {
	Accounts    *AccountRepo
	Events      *EventRepo
	SyncStates  *SyncStateRepo
	Channels    *ChannelRepo
	ConflictLog *ConflictLog
}

// New creates repositories on top of a shared Redis client.
func New(client *redis.Client) *Store {
	return &Store{
		Accounts:    &AccountRepo{client: client},
		Events:      &EventRepo{client: client},
		SyncStates:  &SyncStateRepo{client: client},
		Channels:    &ChannelRepo{client: client},
		ConflictLog: &ConflictLog{client: client},
	}
}

func accountKey(accountID string) string {
	return fmt.Sprintf("calendar_account:%s", accountID)
}

func eventsKey(accountID, calendarID string) string {
	return fmt.Sprintf("calendar_events:%s:%s", accountID, calendarID)
}

func providerIndexKey(accountID, calendarID string) string {
	return fmt.Sprintf("calendar_events_by_provider:%s:%s", accountID, calendarID)
}

func syncStateKey(accountID, calendarID string) string {
	return fmt.Sprintf("calendar_syncstate:%s:%s", accountID, calendarID)
}

func channelsKey(accountID string) string {
	return fmt.Sprintf("calendar_channels:%s", accountID)
}

func channelReverseKey(channelID string) string {
	return fmt.Sprintf("calendar_channel_rev:%s", channelID)
}

const conflictLogStream = "calendar:conflict_log"

// AccountRepo persists CalendarAccount records as JSON values.
type AccountRepo struct {
	client *redis.Client
}

func (r *AccountRepo) Get(ctx context.Context, accountID string) (*CalendarAccount, error) {
	raw, err := r.client.Get(ctx, accountKey(accountID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	var acct CalendarAccount
	if err := json.Unmarshal([]byte(raw), &acct); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", accountID, err)
	}
	return &acct, nil
}

func (r *AccountRepo) Put(ctx context.Context, acct *CalendarAccount) error {
	acct.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", acct.ID, err)
	}
	if err := r.client.Set(ctx, accountKey(acct.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("store account %s: %w", acct.ID, err)
	}
	return r.client.SAdd(ctx, "calendar_accounts", acct.ID).Err()
}

func (r *AccountRepo) Delete(ctx context.Context, accountID string) error {
	if err := r.client.Del(ctx, accountKey(accountID)).Err(); err != nil {
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}
	return r.client.SRem(ctx, "calendar_accounts", accountID).Err()
}

func (r *AccountRepo) List(ctx context.Context) ([]*CalendarAccount, error) {
	ids, err := r.client.SMembers(ctx, "calendar_accounts").Result()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	sort.Strings(ids)
	accounts := make([]*CalendarAccount, 0, len(ids))
	for _, id := range ids {
		acct, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// EventRepo persists canonical events in one hash per (account, calendar),
// with a secondary hash mapping provider event ids to local ids.
type EventRepo struct {
	client *redis.Client
}

// upsertVersionedScript rejects the write when the stored version differs from
// the version the caller read, so a local edit racing a sync pass cannot be
// silently overwritten.
var upsertVersionedScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if raw then
  local cur = cjson.decode(raw)
  if tonumber(cur.version) ~= tonumber(ARGV[3]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func (r *EventRepo) Get(ctx context.Context, accountID, calendarID, localID string) (*CalendarEvent, error) {
	raw, err := r.client.HGet(ctx, eventsKey(accountID, calendarID), localID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("event %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", localID, err)
	}
	return decodeEvent(raw)
}

func (r *EventRepo) GetByProviderID(ctx context.Context, accountID, calendarID, providerEventID string) (*CalendarEvent, error) {
	localID, err := r.client.HGet(ctx, providerIndexKey(accountID, calendarID), providerEventID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("provider event %s: %w", providerEventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup provider event %s: %w", providerEventID, err)
	}
	return r.Get(ctx, accountID, calendarID, localID)
}

// Upsert writes the event unconditionally and bumps its version.
func (r *EventRepo) Upsert(ctx context.Context, evt *CalendarEvent) error {
	evt.Version++
	evt.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.LocalID, err)
	}
	if err := r.client.HSet(ctx, eventsKey(evt.AccountID, evt.CalendarID), evt.LocalID, payload).Err(); err != nil {
		return fmt.Errorf("store event %s: %w", evt.LocalID, err)
	}
	return r.indexProviderID(ctx, evt)
}

// UpsertVersioned writes the event only if the stored version still equals
// expectedVersion. Use the version from the read that produced the mutation.
func (r *EventRepo) UpsertVersioned(ctx context.Context, evt *CalendarEvent, expectedVersion int64) error {
	evt.Version = expectedVersion + 1
	evt.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.LocalID, err)
	}
	ok, err := upsertVersionedScript.Run(ctx, r.client,
		[]string{eventsKey(evt.AccountID, evt.CalendarID)},
		evt.LocalID, payload, expectedVersion).Int()
	if err != nil {
		return fmt.Errorf("versioned store event %s: %w", evt.LocalID, err)
	}
	if ok == 0 {
		return fmt.Errorf("event %s: %w", evt.LocalID, ErrVersionMismatch)
	}
	return r.indexProviderID(ctx, evt)
}

func (r *EventRepo) indexProviderID(ctx context.Context, evt *CalendarEvent) error {
	if evt.ProviderEventID == "" {
		return nil
	}
	return r.client.HSet(ctx, providerIndexKey(evt.AccountID, evt.CalendarID), evt.ProviderEventID, evt.LocalID).Err()
}

func (r *EventRepo) Delete(ctx context.Context, evt *CalendarEvent) error {
	if err := r.client.HDel(ctx, eventsKey(evt.AccountID, evt.CalendarID), evt.LocalID).Err(); err != nil {
		return fmt.Errorf("delete event %s: %w", evt.LocalID, err)
	}
	if evt.ProviderEventID != "" {
		return r.client.HDel(ctx, providerIndexKey(evt.AccountID, evt.CalendarID), evt.ProviderEventID).Err()
	}
	return nil
}

// ListByCalendar returns all events for a calendar ordered by start time.
func (r *EventRepo) ListByCalendar(ctx context.Context, accountID, calendarID string) ([]*CalendarEvent, error) {
	entries, err := r.client.HGetAll(ctx, eventsKey(accountID, calendarID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list events %s/%s: %w", accountID, calendarID, err)
	}
	events := make([]*CalendarEvent, 0, len(entries))
	for _, raw := range entries {
		evt, err := decodeEvent(raw)
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
	return events, nil
}

func decodeEvent(raw string) (*CalendarEvent, error) {
	var evt CalendarEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &evt, nil
}

// SyncStateRepo persists per-calendar sync state.
type SyncStateRepo struct {
	client *redis.Client
}

// Get returns the stored state, or a fresh idle state when none exists yet.
func (r *SyncStateRepo) Get(ctx context.Context, accountID, calendarID string) (*SyncState, error) {
	raw, err := r.client.Get(ctx, syncStateKey(accountID, calendarID)).Result()
	if err == redis.Nil {
		return &SyncState{AccountID: accountID, CalendarID: calendarID, Status: SyncIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s/%s: %w", accountID, calendarID, err)
	}
	var state SyncState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode sync state %s/%s: %w", accountID, calendarID, err)
	}
	return &state, nil
}

func (r *SyncStateRepo) Put(ctx context.Context, state *SyncState) error {
	state.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := r.client.Set(ctx, syncStateKey(state.AccountID, state.CalendarID), payload, 0).Err(); err != nil {
		return fmt.Errorf("store sync state %s/%s: %w", state.AccountID, state.CalendarID, err)
	}
	return nil
}

// ChannelRepo persists watch channels per account plus a reverse lookup from
// channel id, following the webhook metadata layout used for registrations.
type ChannelRepo struct {
	client *redis.Client
}

func (r *ChannelRepo) Put(ctx context.Context, ch *WatchChannel) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode channel %s: %w", ch.ChannelID, err)
	}
	if err := r.client.HSet(ctx, channelsKey(ch.AccountID), ch.CalendarID, payload).Err(); err != nil {
		return fmt.Errorf("store channel %s: %w", ch.ChannelID, err)
	}
	ttl := time.Until(ch.Expiration)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.client.Set(ctx, channelReverseKey(ch.ChannelID), ch.AccountID, ttl).Err(); err != nil {
		return fmt.Errorf("store channel reverse lookup %s: %w", ch.ChannelID, err)
	}
	return r.client.SAdd(ctx, "calendar_channel_accounts", ch.AccountID).Err()
}

func (r *ChannelRepo) Get(ctx context.Context, accountID, calendarID string) (*WatchChannel, error) {
	raw, err := r.client.HGet(ctx, channelsKey(accountID), calendarID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("channel %s/%s: %w", accountID, calendarID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s/%s: %w", accountID, calendarID, err)
	}
	return decodeChannel(raw)
}

// GetByChannelID resolves an inbound notification's channel id to the stored
// channel via the reverse lookup.
func (r *ChannelRepo) GetByChannelID(ctx context.Context, channelID string) (*WatchChannel, error) {
	accountID, err := r.client.Get(ctx, channelReverseKey(channelID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reverse lookup channel %s: %w", channelID, err)
	}
	channels, err := r.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.ChannelID == channelID {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
}

func (r *ChannelRepo) Delete(ctx context.Context, ch *WatchChannel) error {
	if err := r.client.HDel(ctx, channelsKey(ch.AccountID), ch.CalendarID).Err(); err != nil {
		return fmt.Errorf("delete channel %s: %w", ch.ChannelID, err)
	}
	return r.client.Del(ctx, channelReverseKey(ch.ChannelID)).Err()
}

// DeleteReverse removes only the reverse lookup of a replaced channel id, so a
// renewed calendar keeps its current channel record.
func (r *ChannelRepo) DeleteReverse(ctx context.Context, channelID string) error {
	return r.client.Del(ctx, channelReverseKey(channelID)).Err()
}

func (r *ChannelRepo) ListByAccount(ctx context.Context, accountID string) ([]*WatchChannel, error) {
	entries, err := r.client.HGetAll(ctx, channelsKey(accountID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list channels %s: %w", accountID, err)
	}
	channels := make([]*WatchChannel, 0, len(entries))
	for _, raw := range entries {
		ch, err := decodeChannel(raw)
		if err != nil {
			continue
		}
		channels = append(channels, ch)
	}
	sort.SliceStable(channels, func(i, j int) bool {
		return channels[i].Expiration.Before(channels[j].Expiration)
	})
	return channels, nil
}

// ListAll returns every stored channel across accounts, for the renewal scan.
func (r *ChannelRepo) ListAll(ctx context.Context) ([]*WatchChannel, error) {
	accountIDs, err := r.client.SMembers(ctx, "calendar_channel_accounts").Result()
	if err != nil {
		return nil, fmt.Errorf("list channel accounts: %w", err)
	}
	sort.Strings(accountIDs)
	var channels []*WatchChannel
	for _, accountID := range accountIDs {
		perAccount, err := r.ListByAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, perAccount...)
	}
	return channels, nil
}

func decodeChannel(raw string) (*WatchChannel, error) {
	var ch WatchChannel
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	return &ch, nil
}

// ConflictLog appends discarded local values to a Redis stream for review.
type ConflictLog struct {
	client *redis.Client
}

func (l *ConflictLog) Append(ctx context.Context, entry *ConflictEntry) error {
	entry.At = time.Now().UTC()
	_, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: conflictLogStream,
		Values: map[string]interface{}{
			"account_id":  entry.AccountID,
			"calendar_id": entry.CalendarID,
			"local_id":    entry.LocalID,
			"field":       entry.Field,
			"local_value": entry.LocalValue,
			"policy":      entry.Policy,
			"at":          entry.At.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("append conflict log: %w", err)
	}
	return nil
}

// Recent returns up to count most recent conflict entries, newest first.
func (l *ConflictLog) Recent(ctx context.Context, count int64) ([]*ConflictEntry, error) {
	msgs, err := l.client.XRevRangeN(ctx, conflictLogStream, "+", "-", count).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read conflict log: %w", err)
	}
	entries := make([]*ConflictEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry := &ConflictEntry{
			AccountID:  stringValue(msg.Values, "account_id"),
			CalendarID: stringValue(msg.Values, "calendar_id"),
			LocalID:    stringValue(msg.Values, "local_id"),
			Field:      stringValue(msg.Values, "field"),
			LocalValue: stringValue(msg.Values, "local_value"),
			Policy:     stringValue(msg.Values, "policy"),
		}
		if t, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, "at")); err == nil {
			entry.At = t
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func stringValue(values map[string]interface{}, key string) string {
	if raw, ok := values[key]; ok && raw != nil {
		return fmt.Sprintf("%v", raw)
	}
	return ""
}
