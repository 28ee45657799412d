package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"studysync-cloud/store"
	"studysync-cloud/syncer"
)

// SyncHandler exposes manual sync triggering and sync state inspection.
type SyncHandler struct {
	store    *store.Store
	triggers *syncer.TriggerQueue
}

func NewSyncHandler(st *store.Store, triggers *syncer.TriggerQueue) *SyncHandler {
	return &SyncHandler{store: st, triggers: triggers}
}

// RegisterRoutes registers sync routes
func (h *SyncHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync/trigger", h.handleTrigger).Methods("POST")
	r.HandleFunc("/sync/status", h.handleStatus).Methods("GET")
}

type SyncTriggerRequest struct {
	AccountID  string `json:"account_id"`
	CalendarID string `json:"calendar_id,omitempty"`
}

func (h *SyncHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req SyncTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.CalendarID == "" {
		req.CalendarID = "primary"
	}

	if err := h.triggers.Enqueue(r.Context(), req.AccountID, req.CalendarID, "manual"); err != nil {
		http.Error(w, fmt.Sprintf("Failed to enqueue sync: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "queued",
		"account_id":  req.AccountID,
		"calendar_id": req.CalendarID,
	})
}

func (h *SyncHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id parameter is required", http.StatusBadRequest)
		return
	}
	calendarID := r.URL.Query().Get("calendar_id")
	if calendarID == "" {
		calendarID = "primary"
	}

	state, err := h.store.SyncStates.Get(r.Context(), accountID, calendarID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load sync state: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}
