package provider

import (
	"context"
	"time"
)

// Event is the wire-independent representation of one remote event.
type Event struct {
	ProviderID  string    `json:"provider_id,omitempty"`
	CalendarID  string    `json:"calendar_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
	Status      string    `json:"status"`
	Updated     time.Time `json:"updated"`
	Etag        string    `json:"etag,omitempty"`
}

// Cancelled reports whether the remote event is a deletion tombstone.
func (e *Event) Cancelled() bool { return e.Status == "cancelled" }

// ListRequest parametrizes an event listing. SyncToken and the time range are
// mutually exclusive; the provider rejects requests that set both.
type ListRequest struct {
	CalendarID  string
	TimeMin     time.Time
	TimeMax     time.Time
	SyncToken   string
	PageToken   string
	ShowDeleted bool
}

// ListResult is one page of events. NextSyncToken is only set on the final
// page.
type ListResult struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string
}

// BusyInterval is a half-open busy range from a free/busy query.
type BusyInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Channel is a push-notification subscription handle.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// CalendarInfo describes one calendar of an account.
type CalendarInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// Client is the capability set the engine needs from a remote calendar
// provider. Only one implementation talks to the concrete SDK; everything
// else depends on this interface so tests can swap in Fake.
type Client interface {
	List(ctx context.Context, accountID string, req ListRequest) (*ListResult, error)
	Get(ctx context.Context, accountID, calendarID, eventID string) (*Event, error)
	Insert(ctx context.Context, accountID, calendarID string, event *Event) (*Event, error)
	Update(ctx context.Context, accountID, calendarID string, event *Event) (*Event, error)
	Delete(ctx context.Context, accountID, calendarID, eventID string) error
	FreeBusy(ctx context.Context, accountID string, calendarIDs []string, min, max time.Time) (map[string][]BusyInterval, error)
	Watch(ctx context.Context, accountID, calendarID, callbackURL string, ttl time.Duration) (*Channel, error)
	StopChannel(ctx context.Context, accountID, channelID, resourceID string) error
	ListCalendars(ctx context.Context, accountID string) ([]CalendarInfo, error)
}
