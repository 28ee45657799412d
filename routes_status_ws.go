package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"studysync-cloud/bus"
)

// StatusWSHandler streams sync-status transitions to websocket clients by
// tailing the per-account status bus.
type StatusWSHandler struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
}

func NewStatusWSHandler(statusBus *bus.Bus) *StatusWSHandler {
	return &StatusWSHandler{
		bus: statusBus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the websocket route
func (h *StatusWSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync/status/ws", h.handleStatusWS).Methods("GET")
}

func (h *StatusWSHandler) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("StatusWS: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()

	// Drain client frames so close messages are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	afterID := r.URL.Query().Get("after_id")
	for {
		if ctx.Err() != nil {
			return
		}
		events, nextID, err := h.bus.Tail(ctx, accountID, afterID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("StatusWS: tail failed account=%s: %v", accountID, err)
			return
		}
		afterID = nextID
		for _, event := range events {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
