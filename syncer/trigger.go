package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	triggerStream  = "calendar:sync:triggers"
	triggerGroup   = "sync-orchestrator"
	triggerBlock   = 5 * time.Second
	maxTriggerLen  = 10000
	defaultWorkers = 4
	runTimeout     = 2 * time.Minute
)

// TriggerQueue funnels every sync request through one Redis stream, so
// webhook notifications, the periodic scheduler, and manual API calls all
// share the same path into the orchestrator.
type TriggerQueue struct {
	client  *redis.Client
	orch    *Orchestrator
	workers int

	consumer string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTriggerQueue creates a queue with the given worker count (<= 0 uses the
// default).
func NewTriggerQueue(client *redis.Client, orch *Orchestrator, workers int) *TriggerQueue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &TriggerQueue{
		client:   client,
		orch:     orch,
		workers:  workers,
		consumer: "worker-" + uuid.New().String()[:8],
	}
}

// Enqueue appends a sync trigger for a calendar.
func (q *TriggerQueue) Enqueue(ctx context.Context, accountID, calendarID, reason string) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: triggerStream,
		MaxLen: maxTriggerLen,
		Approx: true,
		Values: map[string]interface{}{
			"account_id":  accountID,
			"calendar_id": calendarID,
			"reason":      reason,
			"at":          time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue sync trigger for %s/%s: %w", accountID, calendarID, err)
	}
	return nil
}

// Start creates the consumer group and launches the worker loops.
func (q *TriggerQueue) Start(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, triggerStream, triggerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create trigger consumer group: %w", err)
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.consumeLoop(ctx, i)
	}
	log.Printf("SyncTriggers: %d workers consuming %s as %s", q.workers, triggerStream, q.consumer)
	return nil
}

// Stop cancels the workers and waits for in-flight runs to finish.
func (q *TriggerQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *TriggerQueue) consumeLoop(ctx context.Context, worker int) {
	defer q.wg.Done()
	consumer := fmt.Sprintf("%s-%d", q.consumer, worker)

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    triggerGroup,
			Consumer: consumer,
			Streams:  []string{triggerStream, ">"},
			Count:    1,
			Block:    triggerBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("SyncTriggers: read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				q.handle(ctx, msg)
			}
		}
	}
}

func (q *TriggerQueue) handle(ctx context.Context, msg redis.XMessage) {
	accountID := messageField(msg, "account_id")
	calendarID := messageField(msg, "calendar_id")
	reason := messageField(msg, "reason")

	// Ack regardless of the run outcome. A failed pass leaves the sync state
	// in error and a fresh trigger restarts it; redelivering the old message
	// would only duplicate work already coalesced.
	defer func() {
		if err := q.client.XAck(ctx, triggerStream, triggerGroup, msg.ID).Err(); err != nil && ctx.Err() == nil {
			log.Printf("SyncTriggers: ack %s failed: %v", msg.ID, err)
		}
	}()

	if accountID == "" || calendarID == "" {
		log.Printf("SyncTriggers: dropping malformed trigger %s", msg.ID)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if err := q.orch.Run(runCtx, accountID, calendarID); err != nil {
		log.Printf("SyncTriggers: sync %s/%s (%s) failed: %v", accountID, calendarID, reason, err)
	}
}

func messageField(msg redis.XMessage, key string) string {
	if v, ok := msg.Values[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
