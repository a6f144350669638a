package feed

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/models"
)

// changeKind names the list mutations the reducer knows how to apply.
type changeKind string

const (
	// changeReplaceQueued swaps a queued entry for its confirmed remote
	// form, or drops it when no replacement exists.
	changeReplaceQueued changeKind = "replace_queued"
	// changeUpsertRemote refreshes a visible remote-backed entry in
	// place.
	changeUpsertRemote changeKind = "upsert_remote"
	// changeRemoveRemote strips a deleted record and tombstones its id.
	changeRemoveRemote changeKind = "remove_remote"
	// changeStripQueued removes a queued entry by local id.
	changeStripQueued changeKind = "strip_queued"
)

// change is one reducer instruction. Callers resolve all I/O before
// building it; the reducer only mutates view state.
type change struct {
	kind  changeKind
	key   string
	entry Entry
	live  bool
}

// onBusEvent dispatches bus events. Handlers run serially on the bus
// dispatch goroutine; anything slow or bursty is pushed to the remerge
// worker instead.
func (e *Engine) onBusEvent(event events.Event) {
	switch event.Type {
	case events.TypeSyncCompleted:
		if data, ok := event.Data.(events.SyncCompleted); ok {
			e.handleSyncCompleted(data)
		}
	case events.TypeQueueChanged:
		if data, ok := event.Data.(events.QueueChange); ok {
			e.handleQueueChanged(data)
		}
	case events.TypeRemoteUpdated:
		if data, ok := event.Data.(events.RemoteChange); ok {
			e.handleRemoteUpdated(data.RemoteID)
		}
	case events.TypeRemoteDeleted:
		if data, ok := event.Data.(events.RemoteChange); ok {
			e.handleRemoteDeleted(data.RemoteID)
		}
	}
}

// handleSyncCompleted replaces the queued entry with the confirmed remote
// record, then retires the row and its capture-time cache copy. Applying
// the same completion twice is harmless: the second pass finds no queued
// entry and the row is already gone.
func (e *Engine) handleSyncCompleted(data events.SyncCompleted) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if e.isLoaded() {
		entry, live := e.confirmedEntry(ctx, data)
		e.mu.Lock()
		e.applyEventLocked(change{kind: changeReplaceQueued, key: data.LocalID, entry: entry, live: live})
		e.mu.Unlock()
	}

	if e.cache != nil {
		if err := e.cache.Remove(data.LocalID); err != nil {
			e.logger.Warn("Failed to drop capture cache entry", map[string]interface{}{
				"local_id": data.LocalID,
				"error":    err.Error(),
			})
		}
	}
	if err := e.queue.Remove(data.LocalID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		e.logger.Warn("Failed to retire completed mutation", map[string]interface{}{
			"local_id": data.LocalID,
			"error":    err.Error(),
		})
	}
}

// confirmedEntry resolves the remote form of a freshly synced mutation.
// It prefers a live fetch; when the record is already gone it reports
// nothing to show, and on transient failure it falls back to the queued
// payload so the entry flips to remote-backed without waiting.
func (e *Engine) confirmedEntry(ctx context.Context, data events.SyncCompleted) (Entry, bool) {
	memory, err := e.reader.FetchByID(ctx, data.RemoteID)
	if err == nil {
		e.hydrate([]*models.Memory{memory})
		return remoteEntry(memory), true
	}
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return Entry{}, false
	}

	e.logger.Warn("Could not confirm synced record; using queued payload", map[string]interface{}{
		"remote_id": data.RemoteID,
		"error":     err.Error(),
	})
	row, qerr := e.queue.GetByLocalID(data.LocalID)
	if qerr != nil {
		return Entry{}, false
	}
	draft, derr := models.DecodePayload(row.Version, row.Payload)
	if derr != nil {
		return Entry{}, false
	}
	return remoteFromDraft(data.RemoteID, draft), true
}

// handleQueueChanged reacts to queue membership changes. Removals strip
// the entry directly; additions and updates schedule a remerge, which
// coalesces the bursts a draining queue produces.
func (e *Engine) handleQueueChanged(data events.QueueChange) {
	if !e.isLoaded() {
		return
	}
	switch data.Kind {
	case events.ChangeRemoved:
		e.mu.Lock()
		e.applyEventLocked(change{kind: changeStripQueued, key: data.LocalID})
		e.mu.Unlock()
	default:
		e.scheduleRemerge()
	}
}

// handleRemoteUpdated refreshes the cache for the changed record, and the
// view when the record is visible. Updates for records the view has never
// seen are ignored; they surface on the next refresh in their own
// position.
func (e *Engine) handleRemoteUpdated(remoteID string) {
	if remoteID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	memory, err := e.reader.FetchByID(ctx, remoteID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			e.handleRemoteDeleted(remoteID)
			return
		}
		e.logger.Warn("Failed to fetch pushed update", map[string]interface{}{
			"remote_id": remoteID,
			"error":     err.Error(),
		})
		return
	}

	e.hydrate([]*models.Memory{memory})

	if !e.isLoaded() {
		return
	}
	e.mu.Lock()
	e.applyEventLocked(change{kind: changeUpsertRemote, key: remoteID, entry: remoteEntry(memory)})
	e.mu.Unlock()
}

// handleRemoteDeleted removes the record from cache and view. The
// tombstone keeps pages that were in flight at deletion time from
// resurrecting it.
func (e *Engine) handleRemoteDeleted(remoteID string) {
	if remoteID == "" {
		return
	}
	if e.cache != nil {
		if err := e.cache.Remove(remoteID); err != nil {
			e.logger.Warn("Failed to drop deleted record from cache", map[string]interface{}{
				"remote_id": remoteID,
				"error":     err.Error(),
			})
		}
	}
	e.mu.Lock()
	e.applyEventLocked(change{kind: changeRemoveRemote, key: remoteID})
	e.mu.Unlock()
}

// applyEventLocked is the reducer. It never does I/O and it never blocks.
func (e *Engine) applyEventLocked(c change) {
	if !e.loaded {
		if c.kind == changeRemoveRemote {
			e.tombstones[c.key] = time.Now().Add(tombstoneTTL)
		}
		return
	}

	entries := e.state.Entries
	switch c.kind {
	case changeReplaceQueued:
		// The row is settled either way; stale snapshots that still
		// carry its queued form must not re-add it.
		e.stripped[c.key] = time.Now().Add(tombstoneTTL)
		at := -1
		for i := range entries {
			if entries[i].Kind == KindQueued && entries[i].LocalID == c.key {
				at = i
				break
			}
		}
		if at == -1 {
			return
		}
		if !c.live {
			e.state.Entries = append(entries[:at], entries[at+1:]...)
			break
		}
		entries[at] = c.entry
		merged := mergeEntries(entries)
		sortEntries(merged)
		e.state.Entries = merged

	case changeUpsertRemote:
		found := false
		for i := range entries {
			if CanonicalKey(entries[i]) == c.key {
				entries[i] = c.entry
				found = true
				break
			}
		}
		if !found {
			return
		}
		merged := mergeEntries(entries)
		sortEntries(merged)
		e.state.Entries = merged

	case changeRemoveRemote:
		// Queued edits targeting the dead record stay visible; they
		// fail at sync and surface their error there.
		e.tombstones[c.key] = time.Now().Add(tombstoneTTL)
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Kind != KindQueued && (entry.RemoteID == c.key || entry.ID == c.key) {
				continue
			}
			kept = append(kept, entry)
		}
		e.state.Entries = kept

	case changeStripQueued:
		e.stripped[c.key] = time.Now().Add(tombstoneTTL)
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Kind == KindQueued && entry.LocalID == c.key {
				continue
			}
			kept = append(kept, entry)
		}
		e.state.Entries = kept
	}

	e.recomputePhaseLocked()
}

// scheduleRemerge asks the remerge worker for a pass. Requests collapse
// into the one already pending.
func (e *Engine) scheduleRemerge() {
	select {
	case e.remergeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) remergeLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.remergeCh:
			e.remerge()
		}
	}
}

// remerge refetches page one and folds it into the current view without
// touching the cursor or pagination state. It runs off the bus goroutine;
// if a user-driven load supersedes it mid-flight, its result is discarded.
func (e *Engine) remerge() {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return
	}
	gen := e.generation
	filters := e.filters
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	result, err := e.buildPage(ctx, models.Cursor{}, filters, true)
	if err != nil {
		e.logger.Warn("Remerge pass failed; keeping current view", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return
	}
	e.applyPageLocked(result, modeRemerge)
}
