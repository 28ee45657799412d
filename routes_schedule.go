package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"studysync-cloud/provider"
	"studysync-cloud/schedule"
	"studysync-cloud/store"
	"studysync-cloud/syncer"
)

const maxAlternativeSlots = 3

// ScheduleHandler exposes conflict checking, free-slot search, and event
// scheduling against the canonical local model plus remote free/busy.
type ScheduleHandler struct {
	store    *store.Store
	client   provider.Client
	triggers *syncer.TriggerQueue
}

func NewScheduleHandler(st *store.Store, client provider.Client, triggers *syncer.TriggerQueue) *ScheduleHandler {
	return &ScheduleHandler{store: st, client: client, triggers: triggers}
}

// RegisterRoutes registers scheduling routes
func (h *ScheduleHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/schedule/check", h.handleCheckConflict).Methods("POST")
	r.HandleFunc("/schedule/slots", h.handleFindSlot).Methods("POST")
	r.HandleFunc("/schedule/events", h.handleScheduleEvent).Methods("POST")
	r.HandleFunc("/schedule/events", h.handleListEvents).Methods("GET")
	r.HandleFunc("/schedule/events/{localID}", h.handleUpdateEvent).Methods("PATCH")
	r.HandleFunc("/schedule/events/{localID}", h.handleCancelEvent).Methods("DELETE")
	r.HandleFunc("/schedule/conflicts", h.handleRecentConflicts).Methods("GET")
}

type ConflictCheckRequest struct {
	AccountID      string    `json:"account_id"`
	CalendarID     string    `json:"calendar_id,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	ExcludeEventID string    `json:"exclude_event_id,omitempty"`
}

type ConflictCheckResponse struct {
	Conflict    bool                `json:"conflict"`
	Conflicting []schedule.Interval `json:"conflicting,omitempty"`
}

type SlotSearchRequest struct {
	AccountID         string    `json:"account_id"`
	CalendarID        string    `json:"calendar_id,omitempty"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	DurationMinutes   int       `json:"duration_minutes"`
	BreakBeforeMin    int       `json:"break_before_minutes,omitempty"`
	BreakAfterMin     int       `json:"break_after_minutes,omitempty"`
	PreferredFromHour int       `json:"preferred_from_hour,omitempty"`
	PreferredToHour   int       `json:"preferred_to_hour,omitempty"`
	MaxDays           int       `json:"max_days,omitempty"`
}

type ScheduleEventRequest struct {
	AccountID   string    `json:"account_id"`
	CalendarID  string    `json:"calendar_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
	Recurrence  string    `json:"recurrence,omitempty"`
	Force       bool      `json:"force,omitempty"`
}

type SlotUnavailableResponse struct {
	Error        string              `json:"error"`
	Conflicting  []schedule.Interval `json:"conflicting"`
	Alternatives []schedule.Interval `json:"alternatives,omitempty"`
}

func (h *ScheduleHandler) handleCheckConflict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConflictCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	calendarID, err := h.resolveCalendar(ctx, req.AccountID, req.CalendarID)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if !req.End.After(req.Start) {
		http.Error(w, "end must be after start", http.StatusBadRequest)
		return
	}

	busy, err := h.busyIntervals(ctx, req.AccountID, calendarID, req.Start, req.End)
	if err != nil {
		writeProviderError(w, err)
		return
	}

	candidate := schedule.Interval{Start: req.Start, End: req.End}
	resp := ConflictCheckResponse{}
	for _, iv := range busy {
		if req.ExcludeEventID != "" && iv.ID == req.ExcludeEventID {
			continue
		}
		if candidate.Overlaps(iv) {
			resp.Conflict = true
			resp.Conflicting = append(resp.Conflicting, iv)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *ScheduleHandler) handleFindSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SlotSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	calendarID, err := h.resolveCalendar(ctx, req.AccountID, req.CalendarID)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if req.DurationMinutes <= 0 {
		http.Error(w, "duration_minutes must be positive", http.StatusBadRequest)
		return
	}
	if !req.WindowEnd.After(req.WindowStart) {
		http.Error(w, "window_end must be after window_start", http.StatusBadRequest)
		return
	}

	busy, err := h.busyIntervals(ctx, req.AccountID, calendarID, req.WindowStart, req.WindowEnd)
	if err != nil {
		writeProviderError(w, err)
		return
	}

	slot, err := schedule.FindNextFreeSlot(busy,
		schedule.Interval{Start: req.WindowStart, End: req.WindowEnd},
		slotRequest(req))
	if errors.Is(err, schedule.ErrNoSlot) {
		http.Error(w, "No free slot in the requested window", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Slot search failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"slot": slot})
}

func (h *ScheduleHandler) handleScheduleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ScheduleEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	calendarID, err := h.resolveCalendar(ctx, req.AccountID, req.CalendarID)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if !req.End.After(req.Start) {
		http.Error(w, "end must be after start", http.StatusBadRequest)
		return
	}

	candidate := schedule.Interval{Start: req.Start, End: req.End}
	if !req.Force {
		busy, err := h.busyIntervals(ctx, req.AccountID, calendarID, req.Start, req.End)
		if err != nil {
			writeProviderError(w, err)
			return
		}
		var conflicting []schedule.Interval
		for _, iv := range busy {
			if candidate.Overlaps(iv) {
				conflicting = append(conflicting, iv)
			}
		}
		if len(conflicting) > 0 {
			alternatives := h.alternativeSlots(ctx, req, calendarID)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(SlotUnavailableResponse{
				Error:        "slot_unavailable",
				Conflicting:  conflicting,
				Alternatives: alternatives,
			})
			return
		}
	}

	created, err := h.client.Insert(ctx, req.AccountID, calendarID, &provider.Event{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Start:       req.Start,
		End:         req.End,
		Attendees:   req.Attendees,
		Recurrence:  req.Recurrence,
	})
	if err != nil {
		writeProviderError(w, err)
		return
	}

	local := &store.CalendarEvent{
		LocalID:    uuid.New().String(),
		AccountID:  req.AccountID,
		CalendarID: calendarID,
	}
	syncer.ApplyRemote(local, *created)
	if err := h.store.Events.Upsert(ctx, local); err != nil {
		log.Printf("Schedule: remote event %s created but local store failed: %v", created.ProviderID, err)
		http.Error(w, "Event created remotely but local persistence failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(local)
}

func (h *ScheduleHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.URL.Query().Get("account_id")
	calendarID, err := h.resolveCalendar(ctx, accountID, r.URL.Query().Get("calendar_id"))
	if err != nil {
		writeProviderError(w, err)
		return
	}

	events, err := h.store.Events.ListByCalendar(ctx, accountID, calendarID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list events: %v", err), http.StatusInternalServerError)
		return
	}
	visible := make([]*store.CalendarEvent, 0, len(events))
	for _, evt := range events {
		if evt.Deleted {
			continue
		}
		visible = append(visible, evt)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"events": visible,
		"count":  len(visible),
	})
}

type UpdateEventRequest struct {
	AccountID   string     `json:"account_id"`
	CalendarID  string     `json:"calendar_id,omitempty"`
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Location    *string    `json:"location,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Attendees   *[]string  `json:"attendees,omitempty"`
	Recurrence  *string    `json:"recurrence,omitempty"`
	Force       bool       `json:"force,omitempty"`
}

func (h *ScheduleHandler) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	localID := mux.Vars(r)["localID"]

	var req UpdateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	calendarID, err := h.resolveCalendar(ctx, req.AccountID, req.CalendarID)
	if err != nil {
		writeProviderError(w, err)
		return
	}

	evt, err := h.store.Events.Get(ctx, req.AccountID, calendarID, localID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load event: %v", err), http.StatusInternalServerError)
		return
	}
	version := evt.Version

	if req.Title != nil {
		evt.Title = *req.Title
	}
	if req.Description != nil {
		evt.Description = *req.Description
	}
	if req.Location != nil {
		evt.Location = *req.Location
	}
	if req.Start != nil {
		evt.StartTime = *req.Start
	}
	if req.End != nil {
		evt.EndTime = *req.End
	}
	if req.Attendees != nil {
		evt.Attendees = *req.Attendees
	}
	if req.Recurrence != nil {
		evt.Recurrence = *req.Recurrence
	}
	if !evt.EndTime.After(evt.StartTime) {
		http.Error(w, "end must be after start", http.StatusBadRequest)
		return
	}

	// A moved event must still fit; its own slot is excluded from the check.
	if (req.Start != nil || req.End != nil) && !req.Force {
		busy, err := h.busyIntervals(ctx, req.AccountID, calendarID, evt.StartTime, evt.EndTime)
		if err != nil {
			writeProviderError(w, err)
			return
		}
		candidate := schedule.Interval{Start: evt.StartTime, End: evt.EndTime}
		var conflicting []schedule.Interval
		for _, iv := range busy {
			if iv.ID == evt.LocalID || (evt.ProviderEventID != "" && iv.ID == evt.ProviderEventID) {
				continue
			}
			if candidate.Overlaps(iv) {
				conflicting = append(conflicting, iv)
			}
		}
		if len(conflicting) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(SlotUnavailableResponse{
				Error:       "slot_unavailable",
				Conflicting: conflicting,
			})
			return
		}
	}

	evt.Dirty = true
	evt.NeedsReview = false
	if err := h.store.Events.UpsertVersioned(ctx, evt, version); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			http.Error(w, "Event changed concurrently, retry", http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to store event: %v", err), http.StatusInternalServerError)
		return
	}
	h.enqueueSync(ctx, req.AccountID, calendarID, "local-edit")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(evt)
}

func (h *ScheduleHandler) handleCancelEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	localID := mux.Vars(r)["localID"]
	accountID := r.URL.Query().Get("account_id")
	calendarID, err := h.resolveCalendar(ctx, accountID, r.URL.Query().Get("calendar_id"))
	if err != nil {
		writeProviderError(w, err)
		return
	}

	evt, err := h.store.Events.Get(ctx, accountID, calendarID, localID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load event: %v", err), http.StatusInternalServerError)
		return
	}

	evt.Deleted = true
	evt.Dirty = true
	if err := h.store.Events.Upsert(ctx, evt); err != nil {
		http.Error(w, fmt.Sprintf("Failed to store event: %v", err), http.StatusInternalServerError)
		return
	}
	h.enqueueSync(ctx, accountID, calendarID, "local-delete")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "cancelled",
		"local_id": localID,
	})
}

func (h *ScheduleHandler) handleRecentConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ConflictLog.Recent(r.Context(), 100)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read conflict log: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conflicts": entries,
		"count":     len(entries),
	})
}

// busyIntervals merges the provider's free/busy view with local events that
// may not have reached the provider yet.
func (h *ScheduleHandler) busyIntervals(ctx context.Context, accountID, calendarID string, min, max time.Time) ([]schedule.Interval, error) {
	remote, err := h.client.FreeBusy(ctx, accountID, []string{calendarID}, min, max)
	if err != nil {
		return nil, err
	}

	var busy []schedule.Interval
	for _, period := range remote[calendarID] {
		busy = append(busy, schedule.Interval{Start: period.Start, End: period.End})
	}

	locals, err := h.store.Events.ListByCalendar(ctx, accountID, calendarID)
	if err != nil {
		return nil, err
	}
	for _, evt := range locals {
		if evt.Deleted {
			continue
		}
		if !evt.EndTime.After(min) || !evt.StartTime.Before(max) {
			continue
		}
		// Already-pushed events appear in the free/busy view too; the overlap
		// is harmless because intervals are merged downstream.
		busy = append(busy, schedule.Interval{ID: evt.LocalID, Start: evt.StartTime, End: evt.EndTime})
	}
	return busy, nil
}

func (h *ScheduleHandler) alternativeSlots(ctx context.Context, req ScheduleEventRequest, calendarID string) []schedule.Interval {
	duration := req.End.Sub(req.Start)
	windowEnd := req.Start.Add(7 * 24 * time.Hour)
	busy, err := h.busyIntervals(ctx, req.AccountID, calendarID, req.Start, windowEnd)
	if err != nil {
		log.Printf("Schedule: alternative slot search failed: %v", err)
		return nil
	}

	var alternatives []schedule.Interval
	searchStart := req.Start
	for len(alternatives) < maxAlternativeSlots {
		slot, err := schedule.FindNextFreeSlot(busy,
			schedule.Interval{Start: searchStart, End: windowEnd},
			schedule.SlotRequest{Duration: duration})
		if err != nil {
			break
		}
		alternatives = append(alternatives, slot)
		// Block the found slot so the next search moves past it.
		busy = append(busy, slot)
		searchStart = slot.End
	}
	return alternatives
}

func (h *ScheduleHandler) resolveCalendar(ctx context.Context, accountID, calendarID string) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("%w: account_id is required", provider.ErrInvalidArgument)
	}
	if calendarID != "" {
		return calendarID, nil
	}
	acct, err := h.store.Accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.DefaultCalendarID == "" {
		return "primary", nil
	}
	return acct.DefaultCalendarID, nil
}

func (h *ScheduleHandler) enqueueSync(ctx context.Context, accountID, calendarID, reason string) {
	if h.triggers == nil {
		return
	}
	if err := h.triggers.Enqueue(ctx, accountID, calendarID, reason); err != nil {
		log.Printf("Schedule: failed to enqueue sync trigger: %v", err)
	}
}

func slotRequest(req SlotSearchRequest) schedule.SlotRequest {
	out := schedule.SlotRequest{
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
		BreakBefore: time.Duration(req.BreakBeforeMin) * time.Minute,
		BreakAfter:  time.Duration(req.BreakAfterMin) * time.Minute,
		MaxDays:     req.MaxDays,
	}
	if req.PreferredToHour > req.PreferredFromHour {
		out.PreferredHours = &schedule.HourWindow{
			From: time.Duration(req.PreferredFromHour) * time.Hour,
			To:   time.Duration(req.PreferredToHour) * time.Hour,
		}
	}
	return out
}
