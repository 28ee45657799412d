package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"studysync-cloud/store"
	"studysync-cloud/watch"
)

// WebhookHandler manages provider push-notification endpoints
type WebhookHandler struct {
	watch    *watch.Manager
	channels *store.ChannelRepo
}

func NewWebhookHandler(watchManager *watch.Manager, channels *store.ChannelRepo) *WebhookHandler {
	return &WebhookHandler{watch: watchManager, channels: channels}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/calendar/webhook/register", h.handleRegister).Methods("POST")
	r.HandleFunc("/calendar/webhook/notification", h.handleNotification).Methods("POST")
	r.HandleFunc("/calendar/webhook/unregister", h.handleUnregister).Methods("POST")
	r.HandleFunc("/calendar/webhook/status", h.handleStatus).Methods("GET")
}

type WebhookRegistrationRequest struct {
	AccountID  string `json:"account_id"`
	CalendarID string `json:"calendar_id,omitempty"`
}

func (h *WebhookHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req WebhookRegistrationRequest
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

	channel, err := h.watch.EnsureChannel(r.Context(), req.AccountID, req.CalendarID)
	if err != nil {
		writeProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "registered",
		"channel": channel,
	})
}

// handleNotification receives Google push notifications. Google only looks at
// the status code, so unknown channels get 200 to stop redelivery while being
// dropped locally.
func (h *WebhookHandler) handleNotification(w http.ResponseWriter, r *http.Request) {
	n := watch.Notification{
		ChannelID:  r.Header.Get("X-Goog-Channel-ID"),
		ResourceID: r.Header.Get("X-Goog-Resource-ID"),
		State:      r.Header.Get("X-Goog-Resource-State"),
	}
	if n.ChannelID == "" || n.ResourceID == "" || n.State == "" {
		http.Error(w, "Missing required Google headers", http.StatusBadRequest)
		return
	}

	if err := h.watch.HandleNotification(r.Context(), n); err != nil {
		if errors.Is(err, watch.ErrUnknownChannel) {
			log.Printf("Webhook: dropping notification for unknown channel %s", n.ChannelID)
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Printf("Webhook: notification for channel %s failed: %v", n.ChannelID, err)
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req WebhookRegistrationRequest
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

	if err := h.watch.StopChannel(r.Context(), req.AccountID, req.CalendarID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to unregister webhook: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "unregistered",
		"account_id":  req.AccountID,
		"calendar_id": req.CalendarID,
	})
}

func (h *WebhookHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id parameter is required", http.StatusBadRequest)
		return
	}

	channels, err := h.channels.ListByAccount(r.Context(), accountID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list channels: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id": accountID,
		"channels":   channels,
		"count":      len(channels),
	})
}
