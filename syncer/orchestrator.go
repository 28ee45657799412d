package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"studysync-cloud/batch"
	"studysync-cloud/bus"
	"studysync-cloud/provider"
	"studysync-cloud/store"
)

// Policy decides what happens when an event changed both locally and remotely
// since the last sync.
type Policy string

const (
	KeepRemote Policy = "keep-remote"
	KeepLocal  Policy = "keep-local"
	Merge      Policy = "merge"
	Manual     Policy = "manual"
)

// ParsePolicy validates a configured policy string, defaulting to merge.
func ParsePolicy(raw string) Policy {
	switch Policy(raw) {
	case KeepRemote, KeepLocal, Merge, Manual:
		return Policy(raw)
	}
	return Merge
}

const (
	defaultHorizonPast   = 30 * 24 * time.Hour
	defaultHorizonFuture = 60 * 24 * time.Hour
)

// Config tunes the orchestrator.
type Config struct {
	Policy        Policy
	HorizonPast   time.Duration
	HorizonFuture time.Duration
}

// Orchestrator drives bidirectional sync between local canonical events and
// the remote provider, one calendar at a time.
type Orchestrator struct {
	store  *store.Store
	client provider.Client
	batch  *batch.Executor
	bus    *bus.Bus
	config Config

	lockMu sync.Mutex
	locks  map[string]*calendarLock
}

// calendarLock guarantees at most one running pass per calendar. A trigger
// arriving mid-run sets pending and is coalesced into one follow-up pass.
type calendarLock struct {
	mu      sync.Mutex
	running bool
	pending bool
}

// New creates a sync orchestrator.
func New(st *store.Store, client provider.Client, batchExec *batch.Executor, statusBus *bus.Bus, config Config) *Orchestrator {
	if config.Policy == "" {
		config.Policy = Merge
	}
	if config.HorizonPast <= 0 {
		config.HorizonPast = defaultHorizonPast
	}
	if config.HorizonFuture <= 0 {
		config.HorizonFuture = defaultHorizonFuture
	}
	return &Orchestrator{
		store:  st,
		client: client,
		batch:  batchExec,
		bus:    statusBus,
		config: config,
		locks:  make(map[string]*calendarLock),
	}
}

// Run executes one sync pass for a calendar. Concurrent calls for the same
// calendar coalesce: the second caller returns immediately and the running
// pass repeats once after finishing, so no trigger is lost and no two diffs
// ever race on the same records.
func (o *Orchestrator) Run(ctx context.Context, accountID, calendarID string) error {
	l := o.lock(accountID, calendarID)

	l.mu.Lock()
	if l.running {
		l.pending = true
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	for {
		err := o.runOnce(ctx, accountID, calendarID)

		l.mu.Lock()
		if l.pending && err == nil && ctx.Err() == nil {
			l.pending = false
			l.mu.Unlock()
			continue
		}
		l.running = false
		l.pending = false
		l.mu.Unlock()
		return err
	}
}

func (o *Orchestrator) lock(accountID, calendarID string) *calendarLock {
	key := accountID + "/" + calendarID
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	l, ok := o.locks[key]
	if !ok {
		l = &calendarLock{}
		o.locks[key] = l
	}
	return l
}

func (o *Orchestrator) runOnce(ctx context.Context, accountID, calendarID string) error {
	state, err := o.store.SyncStates.Get(ctx, accountID, calendarID)
	if err != nil {
		return err
	}
	state.Status = store.SyncRunning
	state.LastError = ""
	if err := o.store.SyncStates.Put(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, accountID, calendarID, string(store.SyncRunning), "")

	err = o.sync(ctx, state)
	if err != nil {
		state.Status = store.SyncError
		state.LastError = err.Error()
		if putErr := o.store.SyncStates.Put(ctx, state); putErr != nil {
			log.Printf("Sync: failed to persist error state account=%s calendar=%s: %v", accountID, calendarID, putErr)
		}
		o.publish(ctx, accountID, calendarID, string(store.SyncError), err.Error())
		// The orchestrator does not retry on its own; the trigger source
		// decides whether to re-run.
		return err
	}

	state.Status = store.SyncIdle
	if err := o.store.SyncStates.Put(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, accountID, calendarID, string(store.SyncIdle), "")
	return nil
}

func (o *Orchestrator) sync(ctx context.Context, state *store.SyncState) error {
	accountID, calendarID := state.AccountID, state.CalendarID

	if state.SyncToken != "" {
		remote, nextToken, err := o.listAll(ctx, accountID, provider.ListRequest{
			CalendarID:  calendarID,
			SyncToken:   state.SyncToken,
			ShowDeleted: true,
		})
		if err == nil {
			if err := o.applyIncremental(ctx, accountID, calendarID, remote); err != nil {
				return err
			}
			if nextToken != "" {
				state.SyncToken = nextToken
			}
			return nil
		}
		if !isSyncTokenExpired(err) {
			return err
		}
		log.Printf("Sync: token expired account=%s calendar=%s, falling back to full sync", accountID, calendarID)
		state.SyncToken = ""
	}

	now := time.Now().UTC()
	timeMin := now.Add(-o.config.HorizonPast)
	timeMax := now.Add(o.config.HorizonFuture)
	remote, nextToken, err := o.listAll(ctx, accountID, provider.ListRequest{
		CalendarID: calendarID,
		TimeMin:    timeMin,
		TimeMax:    timeMax,
	})
	if err != nil {
		return err
	}
	if err := o.applyFull(ctx, accountID, calendarID, remote, timeMin, timeMax); err != nil {
		return err
	}
	state.SyncToken = nextToken
	state.LastFullSync = now
	return nil
}

// listAll drains every page of a listing. The sync token arrives on the last
// page only, so it must come from one uninterrupted walk.
func (o *Orchestrator) listAll(ctx context.Context, accountID string, req provider.ListRequest) ([]provider.Event, string, error) {
	var (
		events    []provider.Event
		nextToken string
	)
	for {
		page, err := o.client.List(ctx, accountID, req)
		if err != nil {
			return nil, "", err
		}
		events = append(events, page.Events...)
		if page.NextPageToken == "" {
			nextToken = page.NextSyncToken
			break
		}
		req.PageToken = page.NextPageToken
	}
	return events, nextToken, nil
}

func (o *Orchestrator) publish(ctx context.Context, accountID, calendarID, status, errMsg string) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, accountID, calendarID, status, errMsg); err != nil {
		log.Printf("Sync: status publish failed account=%s: %v", accountID, err)
	}
}

func isSyncTokenExpired(err error) bool {
	return errors.Is(err, provider.ErrSyncTokenExpired)
}
