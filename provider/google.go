package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"studysync-cloud/ratelimit"
	"studysync-cloud/security"
	"studysync-cloud/store"
)

// TokenProvider yields valid credentials for an account and can force a
// refresh after the provider rejects a token.
type TokenProvider interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
	Refresh(ctx context.Context, accountID string) (*store.CalendarAccount, error)
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	listPageSize       = 250
)

// GoogleClient implements Client against the Google Calendar API. Every call
// acquires rate-limit tokens, fetches a valid credential, retries transient
// failures with jittered backoff, and forces one token refresh on a 401.
type GoogleClient struct {
	tokens      TokenProvider
	limiter     *ratelimit.Limiter
	maxAttempts int
	backoffBase time.Duration
}

// NewGoogleClient creates the production provider client.
func NewGoogleClient(tokens TokenProvider, limiter *ratelimit.Limiter) *GoogleClient {
	return &GoogleClient{
		tokens:      tokens,
		limiter:     limiter,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

func (c *GoogleClient) service(ctx context.Context, accountID string) (*calendar.Service, error) {
	token, err := c.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if err != nil {
		return nil, fmt.Errorf("create calendar service for account %s: %w", accountID, err)
	}
	return svc, nil
}

// do runs fn with retries. Transient and rate-limited failures are retried up
// to maxAttempts; a 401 forces one refresh and one extra attempt; everything
// else propagates classified.
func (c *GoogleClient) do(ctx context.Context, accountID string, fn func(svc *calendar.Service) error) error {
	var lastErr error
	refreshed := false

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(c.backoffBase)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Acquire(ctx, accountID, 1); err != nil {
			return err
		}
		svc, err := c.service(ctx, accountID)
		if err != nil {
			return err
		}

		err = classify(fn(svc))
		if err == nil {
			return nil
		}

		if errors.Is(err, errUnauthorized) {
			if refreshed {
				return &security.AuthError{Err: err}
			}
			refreshed = true
			if _, rerr := c.tokens.Refresh(ctx, accountID); rerr != nil {
				return rerr
			}
			lastErr = err
			continue
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			c.limiter.Penalize(accountID, rl.RetryAfter)
			lastErr = err
			continue
		}
		if IsTransient(err) {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (c *GoogleClient) List(ctx context.Context, accountID string, req ListRequest) (*ListResult, error) {
	var result ListResult
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		call := svc.Events.List(req.CalendarID).
			SingleEvents(true).
			MaxResults(listPageSize)
		if req.ShowDeleted {
			call = call.ShowDeleted(true)
		}
		if req.SyncToken != "" {
			call = call.SyncToken(req.SyncToken)
		} else {
			if !req.TimeMin.IsZero() {
				call = call.TimeMin(req.TimeMin.Format(time.RFC3339))
			}
			if !req.TimeMax.IsZero() {
				call = call.TimeMax(req.TimeMax.Format(time.RFC3339))
			}
		}
		if req.PageToken != "" {
			call = call.PageToken(req.PageToken)
		}
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return err
		}
		events := make([]Event, 0, len(resp.Items))
		for _, item := range resp.Items {
			events = append(events, fromGoogleEvent(item, req.CalendarID))
		}
		result = ListResult{
			Events:        events,
			NextPageToken: resp.NextPageToken,
			NextSyncToken: resp.NextSyncToken,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *GoogleClient) Get(ctx context.Context, accountID, calendarID, eventID string) (*Event, error) {
	var result Event
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		item, err := svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		if err != nil {
			return err
		}
		result = fromGoogleEvent(item, calendarID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *GoogleClient) Insert(ctx context.Context, accountID, calendarID string, event *Event) (*Event, error) {
	var result Event
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		item, err := svc.Events.Insert(calendarID, toGoogleEvent(event)).Context(ctx).Do()
		if err != nil {
			return err
		}
		result = fromGoogleEvent(item, calendarID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *GoogleClient) Update(ctx context.Context, accountID, calendarID string, event *Event) (*Event, error) {
	if event.ProviderID == "" {
		return nil, fmt.Errorf("%w: update requires a provider event id", ErrInvalidArgument)
	}
	var result Event
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		item, err := svc.Events.Update(calendarID, event.ProviderID, toGoogleEvent(event)).Context(ctx).Do()
		if err != nil {
			return err
		}
		result = fromGoogleEvent(item, calendarID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *GoogleClient) Delete(ctx context.Context, accountID, calendarID, eventID string) error {
	return c.do(ctx, accountID, func(svc *calendar.Service) error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
}

func (c *GoogleClient) FreeBusy(ctx context.Context, accountID string, calendarIDs []string, min, max time.Time) (map[string][]BusyInterval, error) {
	items := make([]*calendar.FreeBusyRequestItem, 0, len(calendarIDs))
	for _, id := range calendarIDs {
		items = append(items, &calendar.FreeBusyRequestItem{Id: id})
	}
	result := make(map[string][]BusyInterval, len(calendarIDs))
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
			TimeMin: min.Format(time.RFC3339),
			TimeMax: max.Format(time.RFC3339),
			Items:   items,
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		for calID, cal := range resp.Calendars {
			busy := make([]BusyInterval, 0, len(cal.Busy))
			for _, period := range cal.Busy {
				start, err := time.Parse(time.RFC3339, period.Start)
				if err != nil {
					continue
				}
				end, err := time.Parse(time.RFC3339, period.End)
				if err != nil {
					continue
				}
				busy = append(busy, BusyInterval{Start: start, End: end})
			}
			result[calID] = busy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *GoogleClient) Watch(ctx context.Context, accountID, calendarID, callbackURL string, ttl time.Duration) (*Channel, error) {
	var result Channel
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		// Google expects the expiration in epoch milliseconds.
		expiration := time.Now().Add(ttl).UnixMilli()
		resp, err := svc.Events.Watch(calendarID, &calendar.Channel{
			Id:         uuid.New().String(),
			Type:       "web_hook",
			Address:    callbackURL,
			Expiration: expiration,
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		result = Channel{
			ID:         resp.Id,
			ResourceID: resp.ResourceId,
			Expiration: time.UnixMilli(resp.Expiration),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *GoogleClient) StopChannel(ctx context.Context, accountID, channelID, resourceID string) error {
	return c.do(ctx, accountID, func(svc *calendar.Service) error {
		return svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	})
}

func (c *GoogleClient) ListCalendars(ctx context.Context, accountID string) ([]CalendarInfo, error) {
	var result []CalendarInfo
	err := c.do(ctx, accountID, func(svc *calendar.Service) error {
		resp, err := svc.CalendarList.List().Context(ctx).Do()
		if err != nil {
			return err
		}
		result = make([]CalendarInfo, 0, len(resp.Items))
		for _, item := range resp.Items {
			result = append(result, CalendarInfo{
				ID:      item.Id,
				Name:    item.Summary,
				Primary: item.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func toGoogleEvent(event *Event) *calendar.Event {
	out := &calendar.Event{
		Id:          event.ProviderID,
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Etag:        event.Etag,
	}
	if event.AllDay {
		out.Start = &calendar.EventDateTime{Date: event.Start.Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: event.End.Format("2006-01-02")}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.Start.Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: event.End.Format(time.RFC3339)}
	}
	for _, email := range event.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: email})
	}
	if event.Recurrence != "" {
		out.Recurrence = []string{event.Recurrence}
	}
	return out
}

func fromGoogleEvent(item *calendar.Event, calendarID string) Event {
	start, allDay := parseEventDateTime(item.Start)
	end, _ := parseEventDateTime(item.End)

	attendees := make([]string, 0, len(item.Attendees))
	for _, att := range item.Attendees {
		attendees = append(attendees, att.Email)
	}
	recurrence := ""
	if len(item.Recurrence) > 0 {
		recurrence = item.Recurrence[0]
	}
	updated, _ := time.Parse(time.RFC3339, item.Updated)

	return Event{
		ProviderID:  item.Id,
		CalendarID:  calendarID,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Attendees:   attendees,
		Recurrence:  recurrence,
		Status:      item.Status,
		Updated:     updated,
		Etag:        item.Etag,
	}
}

func parseEventDateTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return t, false
	}
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
