package batch

import (
	"context"
	"errors"
	"log"

	"golang.org/x/sync/errgroup"

	"studysync-cloud/provider"
	"studysync-cloud/security"
)

// FailureReason classifies why one batch item failed, so callers can retry
// only the transient ones.
type FailureReason string

const (
	ReasonTransient FailureReason = "transient"
	ReasonConflict  FailureReason = "conflict"
	ReasonInvalid   FailureReason = "invalid"
	ReasonAuth      FailureReason = "auth"
)

// ItemResult is the outcome of one batch item, positioned at the item's input
// index regardless of execution order.
type ItemResult struct {
	Index  int             `json:"index"`
	ID     string          `json:"id"`
	Event  *provider.Event `json:"event,omitempty"`
	Err    error           `json:"-"`
	Reason FailureReason   `json:"reason,omitempty"`
}

// Result is the aggregate of one batch run. One item's failure never aborts
// the others; Succeeded+Failed equals the number of items attempted.
type Result struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

// Failures returns only the failed entries, in input order.
func (r *Result) Failures() []ItemResult {
	var out []ItemResult
	for _, item := range r.Items {
		if item.Err != nil {
			out = append(out, item)
		}
	}
	return out
}

const defaultConcurrency = 5

// Executor dispatches independent event operations with a bounded worker
// pool. Concurrency should stay below the rate limiter's burst capacity so a
// batch does not throttle itself.
type Executor struct {
	client      provider.Client
	concurrency int
}

// NewExecutor creates a batch executor. concurrency <= 0 uses the default.
func NewExecutor(client provider.Client, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Executor{client: client, concurrency: concurrency}
}

// Create inserts the given events remotely. Results carry the created remote
// events for successful items.
func (e *Executor) Create(ctx context.Context, accountID, calendarID string, events []*provider.Event) *Result {
	return e.run(ctx, len(events), func(i int) (string, *provider.Event, error) {
		created, err := e.client.Insert(ctx, accountID, calendarID, events[i])
		return events[i].Title, created, err
	})
}

// Update pushes the given events remotely, keyed by their provider ids.
func (e *Executor) Update(ctx context.Context, accountID, calendarID string, events []*provider.Event) *Result {
	return e.run(ctx, len(events), func(i int) (string, *provider.Event, error) {
		updated, err := e.client.Update(ctx, accountID, calendarID, events[i])
		return events[i].ProviderID, updated, err
	})
}

// Delete removes the given provider event ids remotely.
func (e *Executor) Delete(ctx context.Context, accountID, calendarID string, eventIDs []string) *Result {
	return e.run(ctx, len(eventIDs), func(i int) (string, *provider.Event, error) {
		return eventIDs[i], nil, e.client.Delete(ctx, accountID, calendarID, eventIDs[i])
	})
}

func (e *Executor) run(ctx context.Context, n int, op func(i int) (string, *provider.Event, error)) *Result {
	items := make([]ItemResult, n)

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			// A cancelled batch returns partial results for work already
			// done instead of discarding it.
			if err := ctx.Err(); err != nil {
				items[i] = ItemResult{Index: i, Err: err, Reason: ReasonTransient}
				return nil
			}
			id, event, err := op(i)
			items[i] = ItemResult{Index: i, ID: id, Event: event}
			if err != nil {
				items[i].Err = err
				items[i].Reason = Classify(err)
			}
			return nil
		})
	}
	g.Wait()

	result := &Result{Items: items}
	for _, item := range items {
		if item.Err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}
	if result.Failed > 0 {
		log.Printf("Batch: %d/%d items failed", result.Failed, n)
	}
	return result
}

// Classify maps an operation error onto a failure reason.
func Classify(err error) FailureReason {
	var authErr *security.AuthError
	if errors.As(err, &authErr) {
		return ReasonAuth
	}
	if errors.Is(err, provider.ErrConflict) {
		return ReasonConflict
	}
	if errors.Is(err, provider.ErrInvalidArgument) ||
		errors.Is(err, provider.ErrNotFound) ||
		errors.Is(err, provider.ErrPermissionDenied) {
		return ReasonInvalid
	}
	return ReasonTransient
}
