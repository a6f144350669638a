// Package handlers tests share one fixture: a real queue store on a
// throwaway database, an in-memory cache and a stubbed remote, so every
// handler runs against the same plumbing the server wires up.
package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/kimhsiao/memofeed/internal/cache"
	"github.com/kimhsiao/memofeed/internal/capture"
	"github.com/kimhsiao/memofeed/internal/db"
	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/feed"
	"github.com/kimhsiao/memofeed/internal/models"
	"github.com/kimhsiao/memofeed/internal/queue"
	"github.com/kimhsiao/memofeed/internal/remote"
)

// stubReader serves pages from a fixed slice, newest first, honoring the
// year filter and keyset cursor. It also accepts writes, so it doubles as
// the drain target where a coordinator is involved.
type stubReader struct {
	mu       sync.Mutex
	memories []*models.Memory
	years    []int
	pageErr  error
}

func (r *stubReader) FetchPage(ctx context.Context, req remote.PageRequest) (*remote.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageErr != nil {
		return nil, r.pageErr
	}

	matched := make([]*models.Memory, 0, len(r.memories))
	for _, m := range r.memories {
		if req.Year != 0 && m.Year() != req.Year {
			continue
		}
		matched = append(matched, m)
	}

	start := 0
	if !req.Cursor.IsZero() {
		for i, m := range matched {
			if m.ID == req.Cursor.ID {
				start = i + 1
				break
			}
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := &remote.Page{Memories: matched[start:end], HasMore: end < len(matched)}
	if page.HasMore && len(page.Memories) > 0 {
		last := page.Memories[len(page.Memories)-1]
		page.NextCursor = &models.Cursor{CapturedAt: last.CapturedAt, ID: last.ID}
	}
	return page, nil
}

func (r *stubReader) FetchByID(ctx context.Context, id string) (*models.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.memories {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "no such record")
}

func (r *stubReader) FetchYears(ctx context.Context) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.years, nil
}

func (r *stubReader) Create(ctx context.Context, clientRef string, draft *models.MemoryDraft) (*models.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &models.Memory{
		ID:         "r-" + clientRef,
		Title:      draft.Title,
		Text:       draft.Text,
		Tags:       draft.Tags,
		CapturedAt: draft.CapturedAt,
		UpdatedAt:  draft.CapturedAt,
	}
	r.memories = append(r.memories, m)
	return m, nil
}

func (r *stubReader) Update(ctx context.Context, id string, draft *models.MemoryDraft) (*models.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.memories {
		if m.ID == id {
			m.Title = draft.Title
			m.Text = draft.Text
			m.Tags = draft.Tags
			return m, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "no such record")
}

func (r *stubReader) prepend(m *models.Memory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memories = append([]*models.Memory{m}, r.memories...)
}

type stubConn struct {
	mu     sync.Mutex
	online bool
}

func (c *stubConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *stubConn) set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

type testEnv struct {
	reader  *stubReader
	conn    *stubConn
	bus     *events.Bus
	store   *queue.Store
	cache   *cache.Cache
	engine  *feed.Engine
	service *capture.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB, db.Migrations())
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	store := queue.NewStore(database.DB, bus, queue.DefaultStore)
	t.Cleanup(func() { store.Close() })

	detailCache, err := cache.Open(cache.InMemoryConfig())
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() { detailCache.Close() })

	reader := &stubReader{years: []int{2023}}
	conn := &stubConn{online: true}
	engine := feed.NewEngine(reader, store, detailCache, conn, bus, &feed.Config{BatchSize: 2})
	t.Cleanup(engine.Close)

	return &testEnv{
		reader:  reader,
		conn:    conn,
		bus:     bus,
		store:   store,
		cache:   detailCache,
		engine:  engine,
		service: capture.NewService(store, detailCache),
	}
}

func mem(id string, capturedAt int64) *models.Memory {
	return &models.Memory{
		ID:         id,
		Title:      "Title " + id,
		Snippet:    "Snippet " + id,
		Text:       "Body of " + id,
		CapturedAt: capturedAt,
		UpdatedAt:  capturedAt,
	}
}
