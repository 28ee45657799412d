package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyFormat   = "calendar:status:%s"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	maxStreamLength   = 500
)

// Event is one sync-status transition published for an account.
type Event struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	CalendarID string `json:"calendar_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

// Bus publishes sync-status transitions onto a per-account Redis stream so
// clients can follow a sync pass live.
type Bus struct {
	client *redis.Client
	block  time.Duration
}

// NewBus creates a status bus on the given redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, block: defaultBlock}
}

// StreamKey returns the status stream key for an account.
func StreamKey(accountID string) string {
	return fmt.Sprintf(streamKeyFormat, accountID)
}

// Publish appends a status transition to the account's stream, trimming old
// entries.
func (b *Bus) Publish(ctx context.Context, accountID, calendarID, status, errMsg string) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("status bus not configured")
	}
	values := map[string]interface{}{
		"calendar_id": calendarID,
		"status":      status,
		"at":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		values["error"] = errMsg
	}
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(accountID),
		MaxLen: maxStreamLength,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("publish status for account %s: %w", accountID, err)
	}
	return nil
}

// Tail blocks for new events after afterID and returns them with the latest
// id observed. Pass "" to start from now.
func (b *Bus) Tail(ctx context.Context, accountID, afterID string) ([]Event, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, fmt.Errorf("status bus not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(accountID), afterID},
		Count:   defaultBatchCount,
		Block:   b.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	events := make([]Event, 0)
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			events = append(events, Event{
				ID:         msg.ID,
				AccountID:  accountID,
				CalendarID: stringVal(msg.Values["calendar_id"]),
				Status:     stringVal(msg.Values["status"]),
				Error:      stringVal(msg.Values["error"]),
				At:         stringVal(msg.Values["at"]),
			})
			nextID = msg.ID
		}
	}
	return events, nextID, nil
}

func stringVal(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
