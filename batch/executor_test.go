package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studysync-cloud/provider"
	"studysync-cloud/security"
)

func seedEvents(fake *provider.Fake, n int) []string {
	ids := make([]string, n)
	base := time.Now().Add(24 * time.Hour).UTC()
	for i := range ids {
		ids[i] = fake.Seed("primary", provider.Event{
			Title: "session",
			Start: base.Add(time.Duration(i) * time.Hour),
			End:   base.Add(time.Duration(i)*time.Hour + 45*time.Minute),
		})
	}
	return ids
}

func TestCreateReturnsResultsInInputOrder(t *testing.T) {
	fake := provider.NewFake()
	exec := NewExecutor(fake, 2)

	base := time.Now().Add(24 * time.Hour).UTC()
	events := []*provider.Event{
		{Title: "first", Start: base, End: base.Add(time.Hour)},
		{Title: "second", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
		{Title: "third", Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)},
	}
	res := exec.Create(context.Background(), "acct-1", "primary", events)

	require.Equal(t, 3, res.Succeeded)
	require.Equal(t, 0, res.Failed)
	require.Len(t, res.Items, 3)
	for i, item := range res.Items {
		require.Equal(t, i, item.Index)
		require.Equal(t, events[i].Title, item.ID)
		require.NotNil(t, item.Event)
		require.NotEmpty(t, item.Event.ProviderID)
	}
	require.Len(t, fake.Events("primary"), 3)
}

func TestUpdatePartialFailureDoesNotAbortOthers(t *testing.T) {
	fake := provider.NewFake()
	ids := seedEvents(fake, 3)
	fake.FailWith = func(op, calendarID, eventID string) error {
		if op == "update" && eventID == ids[1] {
			return &provider.TransientError{Err: errors.New("boom")}
		}
		return nil
	}
	exec := NewExecutor(fake, 2)

	events := make([]*provider.Event, len(ids))
	for i, id := range ids {
		ev := fake.Events("primary")[i]
		ev.ProviderID = id
		ev.Title = "updated"
		events[i] = &ev
	}
	res := exec.Update(context.Background(), "acct-1", "primary", events)

	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	failures := res.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].Index)
	require.Equal(t, ReasonTransient, failures[0].Reason)
}

func TestDeleteMissingEventClassifiedInvalid(t *testing.T) {
	fake := provider.NewFake()
	ids := seedEvents(fake, 1)
	exec := NewExecutor(fake, 2)

	res := exec.Delete(context.Background(), "acct-1", "primary", []string{ids[0], "no-such-id"})
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, ReasonInvalid, res.Items[1].Reason)
	require.Empty(t, fake.Events("primary"))
}

func TestCancelledContextYieldsPartialTransientResults(t *testing.T) {
	fake := provider.NewFake()
	exec := NewExecutor(fake, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	base := time.Now().Add(24 * time.Hour).UTC()
	res := exec.Create(ctx, "acct-1", "primary", []*provider.Event{
		{Title: "a", Start: base, End: base.Add(time.Hour)},
		{Title: "b", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
	})

	require.Equal(t, 2, res.Failed)
	for _, item := range res.Items {
		require.Equal(t, ReasonTransient, item.Reason)
		require.ErrorIs(t, item.Err, context.Canceled)
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, ReasonAuth, Classify(&security.AuthError{Err: errors.New("expired")}))
	require.Equal(t, ReasonConflict, Classify(provider.ErrConflict))
	require.Equal(t, ReasonInvalid, Classify(provider.ErrNotFound))
	require.Equal(t, ReasonInvalid, Classify(provider.ErrInvalidArgument))
	require.Equal(t, ReasonInvalid, Classify(provider.ErrPermissionDenied))
	require.Equal(t, ReasonTransient, Classify(&provider.TransientError{Err: errors.New("503")}))
	require.Equal(t, ReasonTransient, Classify(errors.New("unknown")))
}
