package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"studysync-cloud/store"
	"studysync-cloud/syncer"
)

func newSyncFixture(t *testing.T) (*mux.Router, *store.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.New(client)
	router := mux.NewRouter()
	NewSyncHandler(st, syncer.NewTriggerQueue(client, nil, 1)).RegisterRoutes(router)
	return router, st, client
}

func TestTriggerSyncQueuesEntry(t *testing.T) {
	router, _, client := newSyncFixture(t)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(SyncTriggerRequest{AccountID: "acct-1"}))
	req := httptest.NewRequest(http.MethodPost, "/sync/trigger", &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp["status"])
	require.Equal(t, "primary", resp["calendar_id"])

	queued, err := client.XLen(context.Background(), "calendar:sync:triggers").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), queued)
}

func TestTriggerSyncRequiresAccount(t *testing.T) {
	router, _, _ := newSyncFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncStatusReturnsState(t *testing.T) {
	router, st, _ := newSyncFixture(t)

	state, err := st.SyncStates.Get(context.Background(), "acct-1", "primary")
	require.NoError(t, err)
	state.Status = store.SyncRunning
	require.NoError(t, st.SyncStates.Put(context.Background(), state))

	req := httptest.NewRequest(http.MethodGet, "/sync/status?account_id=acct-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.SyncState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, store.SyncRunning, got.Status)
}
