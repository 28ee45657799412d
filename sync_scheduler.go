package main

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"studysync-cloud/store"
	"studysync-cloud/syncer"
	"studysync-cloud/watch"
)

const scheduledJobTimeout = 5 * time.Minute

// SyncScheduler runs the periodic fallbacks: a pull-sync trigger for every
// connected account in case webhook notifications were missed, and the watch
// channel renewal scan.
type SyncScheduler struct {
	accounts  *store.AccountRepo
	triggers  *syncer.TriggerQueue
	watch     *watch.Manager
	syncSpec  string
	renewSpec string
	cron      *cron.Cron
}

func NewSyncScheduler(accounts *store.AccountRepo, triggers *syncer.TriggerQueue, watchManager *watch.Manager, syncSpec, renewSpec string) *SyncScheduler {
	return &SyncScheduler{
		accounts:  accounts,
		triggers:  triggers,
		watch:     watchManager,
		syncSpec:  syncSpec,
		renewSpec: renewSpec,
		cron:      cron.New(),
	}
}

// Start registers the cron entries and launches the scheduler.
func (s *SyncScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.syncSpec, s.enqueueAll); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.renewSpec, s.renewChannels); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("SyncScheduler: pull sync %q, channel renewal %q", s.syncSpec, s.renewSpec)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *SyncScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *SyncScheduler) enqueueAll() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledJobTimeout)
	defer cancel()

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		log.Printf("SyncScheduler: list accounts failed: %v", err)
		return
	}
	for _, acct := range accounts {
		if acct.Status != store.AccountConnected {
			continue
		}
		calendarID := acct.DefaultCalendarID
		if calendarID == "" {
			calendarID = "primary"
		}
		if err := s.triggers.Enqueue(ctx, acct.ID, calendarID, "schedule"); err != nil {
			log.Printf("SyncScheduler: enqueue for account %s failed: %v", acct.ID, err)
		}
	}
}

func (s *SyncScheduler) renewChannels() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledJobTimeout)
	defer cancel()

	if err := s.watch.RenewExpiring(ctx); err != nil {
		log.Printf("SyncScheduler: channel renewal scan failed: %v", err)
	}
}
