package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"studysync-cloud/provider"
	"studysync-cloud/schedule"
	"studysync-cloud/store"
	"studysync-cloud/syncer"
)

type scheduleFixture struct {
	router *mux.Router
	store  *store.Store
	fake   *provider.Fake
	redis  *redis.Client
}

func newScheduleFixture(t *testing.T) *scheduleFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.New(client)
	fake := provider.NewFake()
	triggers := syncer.NewTriggerQueue(client, nil, 1)

	router := mux.NewRouter()
	NewScheduleHandler(st, fake, triggers).RegisterRoutes(router)
	return &scheduleFixture{router: router, store: st, fake: fake, redis: client}
}

func (f *scheduleFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *scheduleFixture) seedBusy(start, end time.Time) string {
	return f.fake.Seed("primary", provider.Event{Title: "busy", Start: start, End: end})
}

func nextMondayAt(hour int) time.Time {
	t := time.Now().UTC().AddDate(0, 0, 2).Truncate(24 * time.Hour)
	return t.Add(time.Duration(hour) * time.Hour)
}

func TestCheckConflictDetectsOverlap(t *testing.T) {
	f := newScheduleFixture(t)
	f.seedBusy(nextMondayAt(10), nextMondayAt(11))

	rec := f.do(t, http.MethodPost, "/schedule/check", ConflictCheckRequest{
		AccountID:  "acct-1",
		CalendarID: "primary",
		Start:      nextMondayAt(10).Add(30 * time.Minute),
		End:        nextMondayAt(11).Add(30 * time.Minute),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConflictCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Conflict)
	require.Len(t, resp.Conflicting, 1)
}

func TestCheckConflictBackToBackIsFree(t *testing.T) {
	f := newScheduleFixture(t)
	f.seedBusy(nextMondayAt(10), nextMondayAt(11))

	rec := f.do(t, http.MethodPost, "/schedule/check", ConflictCheckRequest{
		AccountID:  "acct-1",
		CalendarID: "primary",
		Start:      nextMondayAt(11),
		End:        nextMondayAt(12),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConflictCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Conflict)
}

func TestFindSlotSkipsBusyTime(t *testing.T) {
	f := newScheduleFixture(t)
	f.seedBusy(nextMondayAt(10), nextMondayAt(11))

	rec := f.do(t, http.MethodPost, "/schedule/slots", SlotSearchRequest{
		AccountID:       "acct-1",
		CalendarID:      "primary",
		WindowStart:     nextMondayAt(10),
		WindowEnd:       nextMondayAt(13),
		DurationMinutes: 60,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Slot schedule.Interval `json:"slot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, nextMondayAt(11).Equal(resp.Slot.Start))
	require.True(t, nextMondayAt(12).Equal(resp.Slot.End))
}

func TestScheduleEventBusySlotReturns409WithAlternatives(t *testing.T) {
	f := newScheduleFixture(t)
	f.seedBusy(nextMondayAt(10), nextMondayAt(11))

	rec := f.do(t, http.MethodPost, "/schedule/events", ScheduleEventRequest{
		AccountID:  "acct-1",
		CalendarID: "primary",
		Title:      "Study block",
		Start:      nextMondayAt(10),
		End:        nextMondayAt(11),
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp SlotUnavailableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "slot_unavailable", resp.Error)
	require.NotEmpty(t, resp.Conflicting)
	require.NotEmpty(t, resp.Alternatives)
	for _, alt := range resp.Alternatives {
		require.False(t, alt.Overlaps(schedule.Interval{Start: nextMondayAt(10), End: nextMondayAt(11)}))
	}

	// Only the seeded event exists remotely.
	require.Len(t, f.fake.Events("primary"), 1)
}

func TestScheduleEventCreatesRemoteAndLocal(t *testing.T) {
	f := newScheduleFixture(t)

	rec := f.do(t, http.MethodPost, "/schedule/events", ScheduleEventRequest{
		AccountID:  "acct-1",
		CalendarID: "primary",
		Title:      "Study block",
		Start:      nextMondayAt(9),
		End:        nextMondayAt(10),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.CalendarEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.LocalID)
	require.NotEmpty(t, created.ProviderEventID)
	require.False(t, created.Dirty)

	locals, err := f.store.Events.ListByCalendar(context.Background(), "acct-1", "primary")
	require.NoError(t, err)
	require.Len(t, locals, 1)
	require.Len(t, f.fake.Events("primary"), 1)
}

func TestUpdateEventMarksDirtyAndQueuesSync(t *testing.T) {
	f := newScheduleFixture(t)

	evt := &store.CalendarEvent{
		LocalID:         uuid.New().String(),
		AccountID:       "acct-1",
		CalendarID:      "primary",
		ProviderEventID: "prov-1",
		EventCore: store.EventCore{
			Title:     "Study block",
			StartTime: nextMondayAt(9),
			EndTime:   nextMondayAt(10),
		},
	}
	require.NoError(t, f.store.Events.Upsert(context.Background(), evt))

	title := "Study block (moved)"
	rec := f.do(t, http.MethodPatch, "/schedule/events/"+evt.LocalID, UpdateEventRequest{
		AccountID:  "acct-1",
		CalendarID: "primary",
		Title:      &title,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.Events.Get(context.Background(), "acct-1", "primary", evt.LocalID)
	require.NoError(t, err)
	require.True(t, got.Dirty)
	require.Equal(t, title, got.Title)

	queued, err := f.redis.XLen(context.Background(), "calendar:sync:triggers").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), queued)
}

func TestCancelEventSoftDeletesAndQueuesSync(t *testing.T) {
	f := newScheduleFixture(t)

	evt := &store.CalendarEvent{
		LocalID:         uuid.New().String(),
		AccountID:       "acct-1",
		CalendarID:      "primary",
		ProviderEventID: "prov-1",
		EventCore: store.EventCore{
			Title:     "Study block",
			StartTime: nextMondayAt(9),
			EndTime:   nextMondayAt(10),
		},
	}
	require.NoError(t, f.store.Events.Upsert(context.Background(), evt))

	path := fmt.Sprintf("/schedule/events/%s?account_id=acct-1&calendar_id=primary", evt.LocalID)
	rec := f.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.Events.Get(context.Background(), "acct-1", "primary", evt.LocalID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	require.True(t, got.Dirty)

	// Soft-deleted events are hidden from listings.
	list := f.do(t, http.MethodGet, "/schedule/events?account_id=acct-1&calendar_id=primary", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var listResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listResp))
	require.Zero(t, listResp.Count)
}

func TestUpdateMissingEventReturns404(t *testing.T) {
	f := newScheduleFixture(t)

	title := "anything"
	rec := f.do(t, http.MethodPatch, "/schedule/events/no-such-id", UpdateEventRequest{
		AccountID:  "acct-1",
		CalendarID: "primary",
		Title:      &title,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}
