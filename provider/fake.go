package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Client used in tests. It keeps deletion tombstones and
// a change counter so incremental listing with sync tokens behaves like the
// real provider, including token expiry.
type Fake struct {
	mu        sync.Mutex
	calendars map[string]map[string]*fakeEvent
	channels  map[string]Channel
	seq       int64
	minToken  int64
	nextID    int

	// FailWith, when set, is consulted before every mutating call so tests
	// can inject per-item failures.
	FailWith func(op, calendarID, eventID string) error
}

type fakeEvent struct {
	event      Event
	changedSeq int64
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		calendars: make(map[string]map[string]*fakeEvent),
		channels:  make(map[string]Channel),
	}
}

// Seed inserts an event directly, bypassing failure hooks. It returns the
// assigned provider id.
func (f *Fake) Seed(calendarID string, event Event) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.put(calendarID, event)
}

// ExpireSyncTokens invalidates every token handed out so far; the next
// incremental list falls back to a full sync.
func (f *Fake) ExpireSyncTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minToken = f.seq + 1
}

// Events returns the live (non-cancelled) events of a calendar sorted by
// start time.
func (f *Fake) Events(calendarID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []Event
	for _, fe := range f.calendars[calendarID] {
		if !fe.event.Cancelled() {
			events = append(events, fe.event)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events
}

func (f *Fake) put(calendarID string, event Event) string {
	cal, ok := f.calendars[calendarID]
	if !ok {
		cal = make(map[string]*fakeEvent)
		f.calendars[calendarID] = cal
	}
	if event.ProviderID == "" {
		f.nextID++
		event.ProviderID = fmt.Sprintf("fake-evt-%d", f.nextID)
	}
	if event.Status == "" {
		event.Status = "confirmed"
	}
	event.CalendarID = calendarID
	event.Updated = time.Now().UTC()
	f.seq++
	event.Etag = strconv.FormatInt(f.seq, 10)
	cal[event.ProviderID] = &fakeEvent{event: event, changedSeq: f.seq}
	return event.ProviderID
}

func (f *Fake) fail(op, calendarID, eventID string) error {
	if f.FailWith == nil {
		return nil
	}
	return f.FailWith(op, calendarID, eventID)
}

func (f *Fake) List(ctx context.Context, accountID string, req ListRequest) (*ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var since int64 = -1
	if req.SyncToken != "" {
		parsed, err := strconv.ParseInt(req.SyncToken, 10, 64)
		if err != nil || parsed < f.minToken {
			return nil, fmt.Errorf("%w: token %q", ErrSyncTokenExpired, req.SyncToken)
		}
		since = parsed
	}

	var events []Event
	for _, fe := range f.calendars[req.CalendarID] {
		ev := fe.event
		if since >= 0 {
			if fe.changedSeq <= since {
				continue
			}
		} else {
			if ev.Cancelled() && !req.ShowDeleted {
				continue
			}
			if !req.TimeMin.IsZero() && !ev.End.After(req.TimeMin) {
				continue
			}
			if !req.TimeMax.IsZero() && !ev.Start.Before(req.TimeMax) {
				continue
			}
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return &ListResult{
		Events:        events,
		NextSyncToken: strconv.FormatInt(f.seq, 10),
	}, nil
}

func (f *Fake) Get(ctx context.Context, accountID, calendarID, eventID string) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fe, ok := f.calendars[calendarID][eventID]
	if !ok || fe.event.Cancelled() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	ev := fe.event
	return &ev, nil
}

func (f *Fake) Insert(ctx context.Context, accountID, calendarID string, event *Event) (*Event, error) {
	if err := f.fail("insert", calendarID, event.ProviderID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := *event
	ev.ProviderID = ""
	id := f.put(calendarID, ev)
	stored := f.calendars[calendarID][id].event
	return &stored, nil
}

func (f *Fake) Update(ctx context.Context, accountID, calendarID string, event *Event) (*Event, error) {
	if err := f.fail("update", calendarID, event.ProviderID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calendars[calendarID][event.ProviderID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, event.ProviderID)
	}
	f.put(calendarID, *event)
	stored := f.calendars[calendarID][event.ProviderID].event
	return &stored, nil
}

func (f *Fake) Delete(ctx context.Context, accountID, calendarID, eventID string) error {
	if err := f.fail("delete", calendarID, eventID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fe, ok := f.calendars[calendarID][eventID]
	if !ok || fe.event.Cancelled() {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	ev := fe.event
	ev.Status = "cancelled"
	f.put(calendarID, ev)
	return nil
}

func (f *Fake) FreeBusy(ctx context.Context, accountID string, calendarIDs []string, min, max time.Time) (map[string][]BusyInterval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string][]BusyInterval, len(calendarIDs))
	for _, calID := range calendarIDs {
		var busy []BusyInterval
		for _, fe := range f.calendars[calID] {
			ev := fe.event
			if ev.Cancelled() {
				continue
			}
			if ev.End.After(min) && ev.Start.Before(max) {
				busy = append(busy, BusyInterval{Start: ev.Start, End: ev.End})
			}
		}
		sort.SliceStable(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
		result[calID] = busy
	}
	return result, nil
}

func (f *Fake) Watch(ctx context.Context, accountID, calendarID, callbackURL string, ttl time.Duration) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := Channel{
		ID:         uuid.New().String(),
		ResourceID: "fake-resource-" + calendarID,
		Expiration: time.Now().Add(ttl),
	}
	f.channels[ch.ID] = ch
	return &ch, nil
}

func (f *Fake) StopChannel(ctx context.Context, accountID, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, channelID)
	return nil
}

// ActiveChannels returns the ids of channels that have not been stopped.
func (f *Fake) ActiveChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.channels))
	for id := range f.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Fake) ListCalendars(ctx context.Context, accountID string) ([]CalendarInfo, error) {
	return []CalendarInfo{{ID: "primary", Name: "Primary", Primary: true}}, nil
}
