package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"studysync-cloud/provider"
	"studysync-cloud/security"
	"studysync-cloud/store"
)

// AccountHandler manages calendar account connection endpoints
type AccountHandler struct {
	tokens   *security.Manager
	accounts *store.AccountRepo
	client   provider.Client
}

func NewAccountHandler(tokens *security.Manager, accounts *store.AccountRepo, client provider.Client) *AccountHandler {
	return &AccountHandler{tokens: tokens, accounts: accounts, client: client}
}

// RegisterRoutes registers account routes
func (h *AccountHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/accounts/connect", h.handleConnect).Methods("GET")
	r.HandleFunc("/accounts/oauth/callback", h.handleOAuthCallback).Methods("GET")
	r.HandleFunc("/accounts/disconnect", h.handleDisconnect).Methods("POST")
	r.HandleFunc("/accounts/refresh", h.handleRefresh).Methods("POST")
	r.HandleFunc("/accounts/status", h.handleStatus).Methods("GET")
	r.HandleFunc("/accounts/{accountID}/calendars", h.handleListCalendars).Methods("GET")
}

// AccountResponse is the public view of an account; token material never
// leaves the server.
type AccountResponse struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Provider          string    `json:"provider"`
	DefaultCalendarID string    `json:"default_calendar_id"`
	Status            string    `json:"status"`
	TokenExpiry       time.Time `json:"token_expiry"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func accountResponse(acct *store.CalendarAccount) AccountResponse {
	return AccountResponse{
		ID:                acct.ID,
		UserID:            acct.UserID,
		Provider:          acct.Provider,
		DefaultCalendarID: acct.DefaultCalendarID,
		Status:            string(acct.Status),
		TokenExpiry:       acct.TokenExpiry,
		CreatedAt:         acct.CreatedAt,
		UpdatedAt:         acct.UpdatedAt,
	}
}

func (h *AccountHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	authURL, state, err := h.tokens.AuthURL(r.Context(), userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to generate auth URL: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"auth_url": authURL,
		"state":    state,
		"user_id":  userID,
	})
}

func (h *AccountHandler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "state and code parameters are required", http.StatusBadRequest)
		return
	}

	acct, err := h.tokens.HandleCallback(r.Context(), state, code)
	if err != nil {
		log.Printf("OAuth callback failed: %v", err)
		http.Error(w, fmt.Sprintf("OAuth callback failed: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "connected",
		"account": accountResponse(acct),
	})
}

func (h *AccountHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	if err := h.tokens.Revoke(r.Context(), req.AccountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to disconnect account: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "disconnected",
		"account_id": req.AccountID,
	})
}

func (h *AccountHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	acct, err := h.tokens.Refresh(r.Context(), req.AccountID)
	if err != nil {
		var authErr *security.AuthError
		if errors.As(err, &authErr) && authErr.ReauthRequired {
			http.Error(w, "Account requires reconnection", http.StatusUnauthorized)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to refresh token: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accountResponse(acct))
}

func (h *AccountHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if accountID := r.URL.Query().Get("account_id"); accountID != "" {
		acct, err := h.accounts.Get(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to load account: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(accountResponse(acct))
		return
	}

	accounts, err := h.accounts.List(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list accounts: %v", err), http.StatusInternalServerError)
		return
	}
	out := make([]AccountResponse, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, accountResponse(acct))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accounts": out,
		"count":    len(out),
	})
}

func (h *AccountHandler) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountID"]

	calendars, err := h.client.ListCalendars(r.Context(), accountID)
	if err != nil {
		writeProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id": accountID,
		"calendars":  calendars,
	})
}

// writeProviderError maps provider-layer failures onto HTTP statuses shared by
// every route that talks to the remote calendar.
func writeProviderError(w http.ResponseWriter, err error) {
	var authErr *security.AuthError
	switch {
	case errors.As(err, &authErr):
		http.Error(w, "Account requires reconnection", http.StatusUnauthorized)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, provider.ErrPermissionDenied):
		http.Error(w, "Permission denied", http.StatusForbidden)
	case errors.Is(err, provider.ErrInvalidArgument):
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
	case errors.Is(err, provider.ErrConflict):
		http.Error(w, "Remote version conflict", http.StatusConflict)
	default:
		http.Error(w, fmt.Sprintf("Calendar provider error: %v", err), http.StatusBadGateway)
	}
}
