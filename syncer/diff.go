package syncer

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"studysync-cloud/batch"
	"studysync-cloud/provider"
	"studysync-cloud/store"
)

// applyIncremental applies a change feed obtained with a sync token. The feed
// carries only events that changed remotely, including cancellation
// tombstones, so no deletion-by-absence diff is needed.
func (o *Orchestrator) applyIncremental(ctx context.Context, accountID, calendarID string, remote []provider.Event) error {
	for _, rev := range remote {
		if err := o.applyRemoteEvent(ctx, accountID, calendarID, rev); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				// A local edit raced this pass; the next pass picks the
				// event up again.
				log.Printf("Sync: skipping %s after concurrent local edit", rev.ProviderID)
				continue
			}
			return err
		}
	}
	return o.pushLocalPending(ctx, accountID, calendarID)
}

// applyFull reconciles a windowed full listing against the local set. Local
// events inside the window whose provider id no longer appears remotely were
// deleted remotely; events outside the window are left alone.
func (o *Orchestrator) applyFull(ctx context.Context, accountID, calendarID string, remote []provider.Event, timeMin, timeMax time.Time) error {
	remoteByID := make(map[string]struct{}, len(remote))
	for _, rev := range remote {
		remoteByID[rev.ProviderID] = struct{}{}
		if err := o.applyRemoteEvent(ctx, accountID, calendarID, rev); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				log.Printf("Sync: skipping %s after concurrent local edit", rev.ProviderID)
				continue
			}
			return err
		}
	}

	locals, err := o.store.Events.ListByCalendar(ctx, accountID, calendarID)
	if err != nil {
		return err
	}
	for _, local := range locals {
		if local.Deleted || local.ProviderEventID == "" {
			continue
		}
		if _, ok := remoteByID[local.ProviderEventID]; ok {
			continue
		}
		if local.StartTime.Before(timeMin) || !local.StartTime.Before(timeMax) {
			continue
		}
		if err := o.applyRemoteDeletion(ctx, local); err != nil {
			return err
		}
	}
	return o.pushLocalPending(ctx, accountID, calendarID)
}

// applyRemoteEvent folds one remote event into the local set.
func (o *Orchestrator) applyRemoteEvent(ctx context.Context, accountID, calendarID string, remote provider.Event) error {
	local, err := o.store.Events.GetByProviderID(ctx, accountID, calendarID, remote.ProviderID)
	notFound := errors.Is(err, store.ErrNotFound)
	if err != nil && !notFound {
		return err
	}

	if remote.Cancelled() {
		if notFound {
			return nil
		}
		return o.applyRemoteDeletion(ctx, local)
	}

	if notFound {
		return o.store.Events.Upsert(ctx, newLocalFromRemote(accountID, calendarID, remote))
	}

	remoteChanged := remote.Updated.After(local.RemoteUpdated)
	switch {
	case remoteChanged && !local.Dirty:
		version := local.Version
		applyRemoteFields(local, remote)
		return o.store.Events.UpsertVersioned(ctx, local, version)
	case remoteChanged && local.Dirty:
		return o.resolveConflict(ctx, local, remote)
	default:
		// Either only the local side changed, which pushLocalPending picks
		// up, or nothing changed and the pass is a no-op.
		return nil
	}
}

// applyRemoteDeletion handles an event removed remotely. A clean local copy
// follows the remote; a dirty one is a conflict resolved per policy.
func (o *Orchestrator) applyRemoteDeletion(ctx context.Context, local *store.CalendarEvent) error {
	if !local.Dirty {
		return o.store.Events.Delete(ctx, local)
	}
	switch o.config.Policy {
	case KeepLocal:
		// The local edit survives: recreate the event remotely.
		local.ProviderEventID = ""
		return o.pushLocal(ctx, local)
	case Manual:
		local.NeedsReview = true
		return o.store.Events.Upsert(ctx, local)
	default:
		o.logConflicts(ctx, local, o.config.Policy, []conflictField{
			{Name: "event", LocalValue: local.Title},
		})
		return o.store.Events.Delete(ctx, local)
	}
}

func (o *Orchestrator) resolveConflict(ctx context.Context, local *store.CalendarEvent, remote provider.Event) error {
	remoteCore := coreFromRemote(remote)

	switch o.config.Policy {
	case KeepRemote:
		o.logConflicts(ctx, local, KeepRemote, diffFields(local.EventCore, remoteCore))
		version := local.Version
		applyRemoteFields(local, remote)
		return o.store.Events.UpsertVersioned(ctx, local, version)
	case KeepLocal:
		local.ProviderEventID = remote.ProviderID
		local.Etag = remote.Etag
		return o.pushLocal(ctx, local)
	case Manual:
		o.logConflicts(ctx, local, Manual, diffFields(local.EventCore, remoteCore))
		local.NeedsReview = true
		return o.store.Events.Upsert(ctx, local)
	default:
		merged, overlapped := mergeCores(local.LastSynced, local.EventCore, remoteCore)
		o.logConflicts(ctx, local, Merge, overlapped)
		local.EventCore = merged
		local.Etag = remote.Etag
		return o.pushLocal(ctx, local)
	}
}

// pushLocal writes one local event to the provider and records the resulting
// remote state so the next pass sees it as clean.
func (o *Orchestrator) pushLocal(ctx context.Context, local *store.CalendarEvent) error {
	var (
		pushed *provider.Event
		err    error
	)
	if local.ProviderEventID == "" {
		pushed, err = o.client.Insert(ctx, local.AccountID, local.CalendarID, toProviderEvent(local))
	} else {
		pushed, err = o.client.Update(ctx, local.AccountID, local.CalendarID, toProviderEvent(local))
	}
	if err != nil {
		return err
	}
	markSynced(local, *pushed)
	return o.store.Events.Upsert(ctx, local)
}

// pushLocalPending flushes local-only work through the batch executor:
// pending deletions first, then creates, then updates. Items that fail with a
// transient reason stay dirty and are retried on the next pass; an auth
// failure aborts the pass.
func (o *Orchestrator) pushLocalPending(ctx context.Context, accountID, calendarID string) error {
	locals, err := o.store.Events.ListByCalendar(ctx, accountID, calendarID)
	if err != nil {
		return err
	}

	var (
		deletions []*store.CalendarEvent
		creates   []*store.CalendarEvent
		updates   []*store.CalendarEvent
	)
	for _, local := range locals {
		switch {
		case local.Deleted && local.ProviderEventID == "":
			// Never reached the provider; drop it outright.
			if err := o.store.Events.Delete(ctx, local); err != nil {
				return err
			}
		case local.Deleted:
			deletions = append(deletions, local)
		case local.NeedsReview:
			// Parked until a user resolves it.
		case local.ProviderEventID == "":
			creates = append(creates, local)
		case local.Dirty:
			updates = append(updates, local)
		}
	}

	if len(deletions) > 0 {
		ids := make([]string, len(deletions))
		for i, local := range deletions {
			ids[i] = local.ProviderEventID
		}
		res := o.batch.Delete(ctx, accountID, calendarID, ids)
		for _, item := range res.Items {
			local := deletions[item.Index]
			if item.Err != nil && !errors.Is(item.Err, provider.ErrNotFound) {
				if item.Reason == batch.ReasonAuth {
					return item.Err
				}
				log.Printf("Sync: deferred remote delete of %s: %v", local.LocalID, item.Err)
				continue
			}
			if err := o.store.Events.Delete(ctx, local); err != nil {
				return err
			}
		}
	}

	if len(creates) > 0 {
		events := make([]*provider.Event, len(creates))
		for i, local := range creates {
			events[i] = toProviderEvent(local)
		}
		if err := o.applyPushResults(ctx, creates, o.batch.Create(ctx, accountID, calendarID, events)); err != nil {
			return err
		}
	}

	if len(updates) > 0 {
		events := make([]*provider.Event, len(updates))
		for i, local := range updates {
			events[i] = toProviderEvent(local)
		}
		if err := o.applyPushResults(ctx, updates, o.batch.Update(ctx, accountID, calendarID, events)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyPushResults(ctx context.Context, locals []*store.CalendarEvent, res *batch.Result) error {
	for _, item := range res.Items {
		local := locals[item.Index]
		if item.Err != nil {
			if item.Reason == batch.ReasonAuth {
				return item.Err
			}
			// Conflict failures clear on the next pass once the remote
			// change has been pulled; transient ones just retry.
			log.Printf("Sync: deferred push of %s (%s): %v", local.LocalID, item.Reason, item.Err)
			continue
		}
		markSynced(local, *item.Event)
		if err := o.store.Events.Upsert(ctx, local); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) logConflicts(ctx context.Context, local *store.CalendarEvent, policy Policy, fields []conflictField) {
	for _, f := range fields {
		entry := &store.ConflictEntry{
			AccountID:  local.AccountID,
			CalendarID: local.CalendarID,
			LocalID:    local.LocalID,
			Field:      f.Name,
			LocalValue: f.LocalValue,
			Policy:     string(policy),
		}
		if err := o.store.ConflictLog.Append(ctx, entry); err != nil {
			log.Printf("Sync: conflict log append failed for %s: %v", local.LocalID, err)
		}
	}
}

// conflictField is one local field value set aside during resolution.
type conflictField struct {
	Name       string
	LocalValue string
}

// coreField adapts one EventCore field for generic comparison and copying.
type coreField struct {
	name string
	get  func(*store.EventCore) string
	set  func(dst, src *store.EventCore)
}

var coreFields = []coreField{
	{"title",
		func(c *store.EventCore) string { return c.Title },
		func(d, s *store.EventCore) { d.Title = s.Title }},
	{"description",
		func(c *store.EventCore) string { return c.Description },
		func(d, s *store.EventCore) { d.Description = s.Description }},
	{"location",
		func(c *store.EventCore) string { return c.Location },
		func(d, s *store.EventCore) { d.Location = s.Location }},
	{"start_time",
		func(c *store.EventCore) string { return c.StartTime.UTC().Format(time.RFC3339) },
		func(d, s *store.EventCore) { d.StartTime = s.StartTime }},
	{"end_time",
		func(c *store.EventCore) string { return c.EndTime.UTC().Format(time.RFC3339) },
		func(d, s *store.EventCore) { d.EndTime = s.EndTime }},
	{"attendees",
		func(c *store.EventCore) string { return strings.Join(c.Attendees, ",") },
		func(d, s *store.EventCore) { d.Attendees = append([]string(nil), s.Attendees...) }},
	{"recurrence",
		func(c *store.EventCore) string { return c.Recurrence },
		func(d, s *store.EventCore) { d.Recurrence = s.Recurrence }},
}

// mergeCores merges two divergent copies field by field against the
// last-synced base. A field changed on one side only takes that side's value;
// a field changed on both sides takes the remote value and reports the local
// one as overlapped.
func mergeCores(base *store.EventCore, local, remote store.EventCore) (store.EventCore, []conflictField) {
	if base == nil {
		base = &store.EventCore{}
	}
	var (
		merged     store.EventCore
		overlapped []conflictField
	)
	for _, f := range coreFields {
		lv, rv, bv := f.get(&local), f.get(&remote), f.get(base)
		switch {
		case lv == rv:
			f.set(&merged, &local)
		case rv == bv:
			f.set(&merged, &local)
		case lv == bv:
			f.set(&merged, &remote)
		default:
			f.set(&merged, &remote)
			overlapped = append(overlapped, conflictField{Name: f.name, LocalValue: lv})
		}
	}
	return merged, overlapped
}

// diffFields returns the local field values that differ from the remote copy.
func diffFields(local, remote store.EventCore) []conflictField {
	var out []conflictField
	for _, f := range coreFields {
		if lv := f.get(&local); lv != f.get(&remote) {
			out = append(out, conflictField{Name: f.name, LocalValue: lv})
		}
	}
	return out
}

func coreFromRemote(ev provider.Event) store.EventCore {
	return store.EventCore{
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		StartTime:   ev.Start,
		EndTime:     ev.End,
		Attendees:   append([]string(nil), ev.Attendees...),
		Recurrence:  ev.Recurrence,
	}
}

func toProviderEvent(local *store.CalendarEvent) *provider.Event {
	return &provider.Event{
		ProviderID:  local.ProviderEventID,
		CalendarID:  local.CalendarID,
		Title:       local.Title,
		Description: local.Description,
		Location:    local.Location,
		Start:       local.StartTime,
		End:         local.EndTime,
		Attendees:   append([]string(nil), local.Attendees...),
		Recurrence:  local.Recurrence,
		Etag:        local.Etag,
	}
}

// ApplyRemote records the provider's state of an event on its local record
// and marks it clean, for callers that create events outside a sync pass.
func ApplyRemote(local *store.CalendarEvent, remote provider.Event) {
	applyRemoteFields(local, remote)
}

// applyRemoteFields overwrites the local copy with the remote state and marks
// it clean.
func applyRemoteFields(local *store.CalendarEvent, remote provider.Event) {
	core := coreFromRemote(remote)
	local.EventCore = core
	local.ProviderEventID = remote.ProviderID
	local.RemoteUpdated = remote.Updated
	local.Etag = remote.Etag
	local.Dirty = false
	local.NeedsReview = false
	snapshot := core
	local.LastSynced = &snapshot
}

// markSynced records the provider's post-push state on the local copy.
func markSynced(local *store.CalendarEvent, pushed provider.Event) {
	local.ProviderEventID = pushed.ProviderID
	local.RemoteUpdated = pushed.Updated
	local.Etag = pushed.Etag
	local.Dirty = false
	snapshot := local.EventCore
	snapshot.Attendees = append([]string(nil), local.Attendees...)
	local.LastSynced = &snapshot
}

func newLocalFromRemote(accountID, calendarID string, remote provider.Event) *store.CalendarEvent {
	evt := &store.CalendarEvent{
		LocalID:    uuid.New().String(),
		AccountID:  accountID,
		CalendarID: calendarID,
	}
	applyRemoteFields(evt, remote)
	return evt
}
