// Package feed reconciles three inputs into one view: the durable mutation
// queue, the paginated remote feed source and the local preview/detail
// cache. The engine owns a single view state guarded by one mutex; all
// I/O happens outside the lock, and every event-driven list change funnels
// through one reducer.
package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/memofeed/internal/cache"
	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/models"
	"github.com/kimhsiao/memofeed/internal/queue"
	"github.com/kimhsiao/memofeed/internal/remote"
)

// Phase is the view state machine position.
type Phase string

const (
	PhaseInitial         Phase = "initial"
	PhaseLoading         Phase = "loading"
	PhaseReady           Phase = "ready"
	PhaseEmpty           Phase = "empty"
	PhaseError           Phase = "error"
	PhaseAppending       Phase = "appending"
	PhasePaginationError Phase = "pagination_error"
)

// Valid reports whether the phase is one of the known values.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInitial, PhaseLoading, PhaseReady, PhaseEmpty, PhaseError,
		PhaseAppending, PhasePaginationError:
		return true
	}
	return false
}

// ViewState is a snapshot of the unified feed.
type ViewState struct {
	Phase   Phase   `json:"phase"`
	Entries []Entry `json:"entries"`
	Years   []int   `json:"years,omitempty"`
	HasMore bool    `json:"has_more"`

	// Err is the terminal error after a failed initial load, or the
	// inline one after a failed pagination. Always an *errors.AppError.
	Err error `json:"-"`
}

// Reader is the remote read path. *remote.Client satisfies it.
type Reader interface {
	FetchPage(ctx context.Context, page remote.PageRequest) (*remote.Page, error)
	FetchByID(ctx context.Context, id string) (*models.Memory, error)
	FetchYears(ctx context.Context) ([]int, error)
}

// Connectivity reports whether the remote service is currently reachable.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
}

// Config holds engine configuration.
type Config struct {
	// BatchSize is the page size requested from the remote source.
	BatchSize int
}

const (
	// handlerTimeout bounds the by-id fetches done while handling bus
	// events.
	handlerTimeout = 10 * time.Second

	// tombstoneTTL is how long a deleted remote id keeps suppressing
	// fetched copies of itself, covering pages that were already in
	// flight when the deletion arrived.
	tombstoneTTL = 60 * time.Second
)

// Engine merges local and remote state into one deduplicated,
// chronologically ordered feed.
type Engine struct {
	reader Reader
	queue  *queue.Store
	cache  *cache.Cache
	conn   Connectivity
	bus    *events.Bus
	logger *logging.Logger

	batchSize int

	mu         sync.Mutex
	state      ViewState
	filters    Filters
	cursor     models.Cursor
	generation int64
	fetching   bool
	loaded     bool
	tombstones map[string]time.Time
	stripped   map[string]time.Time

	subID     string
	remergeCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewEngine creates an engine and subscribes it to the bus. The cache may
// be nil; offline pages then carry queued entries only.
func NewEngine(reader Reader, store *queue.Store, detailCache *cache.Cache, conn Connectivity, bus *events.Bus, config *Config) *Engine {
	batchSize := remote.DefaultPageSize
	if config != nil && config.BatchSize > 0 {
		batchSize = config.BatchSize
	}

	e := &Engine{
		reader:     reader,
		queue:      store,
		cache:      detailCache,
		conn:       conn,
		bus:        bus,
		batchSize:  batchSize,
		state:      ViewState{Phase: PhaseInitial},
		tombstones: make(map[string]time.Time),
		stripped:   make(map[string]time.Time),
		remergeCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		logger:     logging.Get().Named("feed"),
	}

	e.wg.Add(1)
	go e.remergeLoop()

	if bus != nil {
		e.subID = bus.Subscribe(e.onBusEvent,
			events.TypeSyncCompleted,
			events.TypeQueueChanged,
			events.TypeRemoteUpdated,
			events.TypeRemoteDeleted,
		)
	}
	return e
}

// Close detaches the engine from the bus and stops its remerge worker.
func (e *Engine) Close() {
	if e.bus != nil && e.subID != "" {
		e.bus.Unsubscribe(e.subID)
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// State returns a copy of the current view.
func (e *Engine) State() ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Filters returns the active filter set.
func (e *Engine) Filters() Filters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters
}

// LoadInitial discards the current view and loads page one under the given
// filters. Offline, the page is built purely from local state with no
// network attempt.
func (e *Engine) LoadInitial(ctx context.Context, filters Filters) ViewState {
	e.mu.Lock()
	e.loaded = true
	e.filters = filters
	e.generation++
	gen := e.generation
	e.fetching = true
	e.cursor = models.Cursor{}
	e.state = ViewState{Phase: PhaseLoading}
	e.mu.Unlock()

	result, err := e.buildPage(ctx, models.Cursor{}, filters, true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return e.snapshotLocked()
	}
	e.fetching = false
	if err != nil {
		e.state = ViewState{Phase: PhaseError, Err: err}
		return e.snapshotLocked()
	}
	e.applyPageLocked(result, modeReplace)
	return e.snapshotLocked()
}

// Refresh reloads page one under the active filters. It is refused while
// offline: the current view is left untouched and the returned snapshot
// carries an OFFLINE error.
func (e *Engine) Refresh(ctx context.Context) ViewState {
	e.mu.Lock()
	if !e.loaded {
		filters := e.filters
		e.mu.Unlock()
		return e.LoadInitial(ctx, filters)
	}
	if !e.conn.Online() {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		snap.Err = apperrors.New(apperrors.ErrOffline, "refresh requires connectivity")
		return snap
	}
	e.generation++
	gen := e.generation
	e.fetching = true
	filters := e.filters
	e.state.Phase = PhaseLoading
	e.state.Err = nil
	e.mu.Unlock()

	result, err := e.buildPage(ctx, models.Cursor{}, filters, true)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return e.snapshotLocked()
	}
	e.fetching = false
	if err != nil {
		e.state = ViewState{Phase: PhaseError, Err: err}
		return e.snapshotLocked()
	}
	e.cursor = models.Cursor{}
	e.applyPageLocked(result, modeReplace)
	return e.snapshotLocked()
}

// SetFilters swaps the active subset and reloads page one. Permitted
// offline, where it re-runs the pure local merge.
func (e *Engine) SetFilters(ctx context.Context, filters Filters) ViewState {
	return e.LoadInitial(ctx, filters)
}

// LoadMore appends the next page. It is a no-op returning the current
// snapshot when nothing more is available or a fetch is already in
// flight.
func (e *Engine) LoadMore(ctx context.Context) ViewState {
	e.mu.Lock()
	if !e.loaded || e.fetching || !e.state.HasMore ||
		(e.state.Phase != PhaseReady && e.state.Phase != PhasePaginationError) {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap
	}
	gen := e.generation
	e.fetching = true
	cursor := e.cursor
	filters := e.filters
	e.state.Phase = PhaseAppending
	e.state.Err = nil
	e.mu.Unlock()

	result, err := e.buildPage(ctx, cursor, filters, false)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		return e.snapshotLocked()
	}
	e.fetching = false
	if err != nil {
		e.state.Phase = PhasePaginationError
		e.state.Err = err
		return e.snapshotLocked()
	}
	e.applyPageLocked(result, modeAppend)
	return e.snapshotLocked()
}

// RemoveEntry optimistically strips entries matching the given remote or
// local id from the view. It does not touch the queue or the remote store.
func (e *Engine) RemoveEntry(key string) ViewState {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.state.Entries[:0]
	for _, entry := range e.state.Entries {
		if entry.RemoteID == key || entry.LocalID == key || entry.ID == key {
			continue
		}
		kept = append(kept, entry)
	}
	e.state.Entries = kept
	e.recomputePhaseLocked()
	return e.snapshotLocked()
}

// pageResult is one merged page's worth of raw material.
type pageResult struct {
	entries []Entry
	next    models.Cursor
	hasMore bool
	years   []int
}

// buildPage performs all the I/O for one page: remote fetch plus queue and
// cache reads online, pure local reads offline. Never called with the
// state lock held.
func (e *Engine) buildPage(ctx context.Context, cursor models.Cursor, filters Filters, firstPage bool) (*pageResult, error) {
	queued, owned, err := e.queueSnapshot(filters)
	if err != nil {
		return nil, err
	}

	if !e.conn.Online() {
		return e.buildLocalPage(queued, owned, filters), nil
	}

	page, err := e.reader.FetchPage(ctx, remote.PageRequest{
		Limit:  e.batchSize,
		Cursor: cursor,
		Year:   filters.Year,
		Tag:    filters.Tag,
	})
	if err != nil {
		return nil, err
	}

	var years []int
	if firstPage {
		years, err = e.reader.FetchYears(ctx)
		if err != nil {
			e.logger.Warn("Failed to fetch year buckets", map[string]interface{}{
				"error": err.Error(),
			})
			years = nil
		}
	}

	e.hydrate(page.Memories)

	entries := make([]Entry, 0, len(page.Memories)+len(queued))
	for _, m := range page.Memories {
		entries = append(entries, remoteEntry(m))
	}
	entries = append(entries, queued...)

	result := &pageResult{entries: entries, hasMore: page.HasMore, years: years}
	if page.NextCursor != nil {
		result.next = *page.NextCursor
	} else if page.HasMore && len(page.Memories) > 0 {
		last := page.Memories[len(page.Memories)-1]
		result.next = models.Cursor{CapturedAt: last.CapturedAt, ID: last.ID}
	}
	return result, nil
}

// buildLocalPage assembles the single-shot offline page: queued entries
// plus cached records. Cached details whose id is not owned by a queue row
// surface as remote-backed entries; the rest stay previews.
func (e *Engine) buildLocalPage(queued []Entry, owned map[string]bool, filters Filters) *pageResult {
	entries := queued
	if e.cache != nil {
		previews, err := e.cache.ListPreviews()
		if err != nil {
			e.logger.Warn("Failed to list cached previews", map[string]interface{}{
				"error": err.Error(),
			})
		}
		for _, p := range previews {
			if owned[p.ID] {
				continue
			}
			var entry Entry
			if detail, derr := e.cache.GetDetail(p.ID); derr == nil {
				entry = remoteEntry(detail)
			} else {
				entry = previewEntry(p)
			}
			if filters.match(entry) {
				entries = append(entries, entry)
			}
		}
	}
	return &pageResult{entries: entries, years: distinctYears(entries)}
}

// queueSnapshot converts the partition's rows into entries, filtered. The
// returned set holds every row's local id, so offline pages do not double
// up rows with their capture-time cache copies. Completed rows awaiting
// removal are included; they deduplicate under their assigned remote id.
func (e *Engine) queueSnapshot(filters Filters) ([]Entry, map[string]bool, error) {
	rows, err := e.queue.ListByStatus(models.StatusQueued, models.StatusSyncing,
		models.StatusFailed, models.StatusCompleted)
	if err != nil {
		return nil, nil, err
	}

	owned := make(map[string]bool, len(rows))
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		owned[row.LocalID] = true
		entry, err := queuedEntry(row)
		if err != nil {
			e.logger.Warn("Queue row payload undecodable; using preview", map[string]interface{}{
				"local_id": row.LocalID,
				"version":  row.Version,
				"error":    err.Error(),
			})
			entry = e.queuedFallback(row)
		}
		if filters.match(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, owned, nil
}

// queuedFallback builds the best displayable entry for a row whose payload
// cannot be decoded, from the capture-time preview when one exists.
func (e *Engine) queuedFallback(row *models.QueuedMutation) Entry {
	entry := Entry{
		ID:         row.LocalID,
		Kind:       KindQueued,
		RemoteID:   row.TargetRemoteID,
		LocalID:    row.LocalID,
		CapturedAt: row.CreatedAt,
		Status:     row.Status,
		RetryCount: row.RetryCount,
		SyncError:  row.ErrorMessage,
	}
	if e.cache != nil {
		if p, err := e.cache.GetPreview(row.LocalID); err == nil {
			entry.Title = p.Title
			entry.Snippet = p.Snippet
			entry.Tags = p.Tags
			entry.CapturedAt = p.CapturedAt
		}
	}
	return entry
}

// hydrate warms the cache with fetched records so later offline pages can
// serve them. Cache trouble is logged, never fatal to a fetch.
func (e *Engine) hydrate(memories []*models.Memory) {
	if e.cache == nil || len(memories) == 0 {
		return
	}
	if err := e.cache.PutAll(memories); err != nil {
		e.logger.Warn("Failed to hydrate cache", map[string]interface{}{
			"count": len(memories),
			"error": err.Error(),
		})
	}
}

type mergeMode int

const (
	// modeReplace swaps the whole list for the page.
	modeReplace mergeMode = iota
	// modeAppend merges the page into the list and advances the cursor.
	modeAppend
	// modeRemerge merges the page into the list, keeping the cursor and
	// pagination state.
	modeRemerge
)

// applyPageLocked folds one page into the view: dedup by canonical key,
// precedence, recency, then capturedAt-descending order. Tombstoned remote
// ids are suppressed so deletions survive pages that were already in
// flight.
func (e *Engine) applyPageLocked(result *pageResult, mode mergeMode) {
	incoming := e.filterTombstonedLocked(result.entries)

	var combined []Entry
	if mode == modeReplace {
		combined = incoming
	} else {
		combined = make([]Entry, 0, len(e.state.Entries)+len(incoming))
		combined = append(combined, e.state.Entries...)
		combined = append(combined, incoming...)
	}
	merged := mergeEntries(combined)
	sortEntries(merged)
	e.state.Entries = merged

	if mode != modeRemerge {
		e.cursor = result.next
		e.state.HasMore = result.hasMore
	}
	if result.years != nil {
		e.state.Years = result.years
	}

	if len(merged) == 0 {
		e.state.Phase = PhaseEmpty
	} else {
		e.state.Phase = PhaseReady
	}
	e.state.Err = nil
}

// filterTombstonedLocked drops entries a recent event already settled:
// remote records (and their cached previews) deleted moments ago, and
// queued copies of rows that were replaced or removed. Pages and remerge
// snapshots begin before such events land and would otherwise resurrect
// them. Expired tombstones are pruned on each pass.
func (e *Engine) filterTombstonedLocked(entries []Entry) []Entry {
	if len(e.tombstones) == 0 && len(e.stripped) == 0 {
		return entries
	}
	now := time.Now()
	for id, expiry := range e.tombstones {
		if now.After(expiry) {
			delete(e.tombstones, id)
		}
	}
	for id, expiry := range e.stripped {
		if now.After(expiry) {
			delete(e.stripped, id)
		}
	}
	if len(e.tombstones) == 0 && len(e.stripped) == 0 {
		return entries
	}

	kept := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		switch entry.Kind {
		case KindRemote:
			if !e.tombstones[entry.RemoteID].IsZero() {
				continue
			}
		case KindPreview:
			if !e.tombstones[entry.ID].IsZero() {
				continue
			}
		case KindQueued:
			if !e.stripped[entry.LocalID].IsZero() {
				continue
			}
		}
		kept = append(kept, entry)
	}
	return kept
}

func (e *Engine) snapshotLocked() ViewState {
	snap := e.state
	snap.Entries = append([]Entry(nil), e.state.Entries...)
	snap.Years = append([]int(nil), e.state.Years...)
	return snap
}

func (e *Engine) recomputePhaseLocked() {
	if e.state.Phase == PhaseReady && len(e.state.Entries) == 0 {
		e.state.Phase = PhaseEmpty
	} else if e.state.Phase == PhaseEmpty && len(e.state.Entries) > 0 {
		e.state.Phase = PhaseReady
	}
}

func (e *Engine) isLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// distinctYears lists the UTC years present in the entries, newest first.
func distinctYears(entries []Entry) []int {
	seen := make(map[int]bool)
	var years []int
	for _, entry := range entries {
		year := time.Unix(entry.CapturedAt, 0).UTC().Year()
		if !seen[year] {
			seen[year] = true
			years = append(years, year)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}
