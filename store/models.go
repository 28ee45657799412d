package store

import "time"

// AccountStatus tracks the connection state of a calendar account.
type AccountStatus string

const (
	AccountConnected AccountStatus = "connected"
	AccountRevoked   AccountStatus = "revoked"
	AccountError     AccountStatus = "error"
)

// CalendarAccount is one connected (user, provider) pair. Token fields are
// mutated only by the token lifecycle manager.
type CalendarAccount struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	Provider          string        `json:"provider"`
	AccessToken       string        `json:"access_token"`
	RefreshToken      string        `json:"refresh_token"`
	TokenExpiry       time.Time     `json:"token_expiry"`
	Scopes            []string      `json:"scopes"`
	DefaultCalendarID string        `json:"default_calendar_id"`
	Status            AccountStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// EventCore holds the user-editable fields of an event. The sync diff compares
// these against the last-synced snapshot to decide which side changed.
type EventCore struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Attendees   []string  `json:"attendees,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
}

// CalendarEvent is the canonical local representation of one event,
// independent of the provider schema.
type CalendarEvent struct {
	LocalID         string     `json:"local_id"`
	AccountID       string     `json:"account_id"`
	CalendarID      string     `json:"calendar_id"`
	ProviderEventID string     `json:"provider_event_id,omitempty"`
	EventCore
	RemoteUpdated time.Time  `json:"remote_updated"`
	Etag          string     `json:"etag,omitempty"`
	Dirty         bool       `json:"dirty"`
	Deleted       bool       `json:"deleted"`
	NeedsReview   bool       `json:"needs_review,omitempty"`
	LastSynced    *EventCore `json:"last_synced,omitempty"`
	Version       int64      `json:"version"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SyncStatus is the orchestrator state for one calendar.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "running"
	SyncError   SyncStatus = "error"
)

// SyncState is one per (account, calendar). An empty SyncToken means the next
// pass must be a full sync.
type SyncState struct {
	AccountID    string     `json:"account_id"`
	CalendarID   string     `json:"calendar_id"`
	LastFullSync time.Time  `json:"last_full_sync"`
	SyncToken    string     `json:"sync_token,omitempty"`
	Status       SyncStatus `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// WatchChannel is an active push-notification subscription. Renewal replaces
// the channel id, so the old record is deleted once the new one is stored.
type WatchChannel struct {
	ChannelID   string    `json:"channel_id"`
	ResourceID  string    `json:"resource_id"`
	AccountID   string    `json:"account_id"`
	CalendarID  string    `json:"calendar_id"`
	CallbackURL string    `json:"callback_url"`
	Expiration  time.Time `json:"expiration"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConflictEntry records a local value discarded (or flagged) during conflict
// resolution so a user can review it later.
type ConflictEntry struct {
	AccountID  string    `json:"account_id"`
	CalendarID string    `json:"calendar_id"`
	LocalID    string    `json:"local_id"`
	Field      string    `json:"field"`
	LocalValue string    `json:"local_value"`
	Policy     string    `json:"policy"`
	At         time.Time `json:"at"`
}
