// Package capture glues record input to the mutation queue: it validates
// drafts, assigns local ids, warms the detail cache and enqueues the
// create/update mutations the sync coordinator later drains. It never
// talks to the network or to the feed engine; captured entries surface
// through the queue's change events.
package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/memofeed/internal/cache"
	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/models"
	"github.com/kimhsiao/memofeed/internal/preview"
	"github.com/kimhsiao/memofeed/internal/queue"
	"github.com/kimhsiao/memofeed/internal/uuid"
)

// Service validates and enqueues captures.
type Service struct {
	queue  *queue.Store
	cache  *cache.Cache
	logger *logging.Logger
}

// NewService creates a capture service. The cache may be nil; detail
// warming is then skipped.
func NewService(queue *queue.Store, cache *cache.Cache) *Service {
	return &Service{
		queue:  queue,
		cache:  cache,
		logger: logging.Get().Named("capture"),
	}
}

// Capture validates the draft, assigns a fresh local id, writes the full
// detail to the cache and enqueues a create mutation. The draft is durable
// once this returns; it syncs in the background.
func (s *Service) Capture(draft models.MemoryDraft) (*models.QueuedMutation, error) {
	if err := normalize(&draft); err != nil {
		return nil, err
	}

	localID := uuid.New()
	version, payload, err := models.EncodePayload(draft)
	if err != nil {
		return nil, err
	}

	s.cacheDetail(localID, draft)

	mutation := &models.QueuedMutation{
		LocalID:   localID,
		Operation: models.OperationCreate,
		Payload:   payload,
		Version:   version,
	}
	if err := s.queue.Enqueue(mutation); err != nil {
		return nil, err
	}

	s.logger.Info("Captured memory", map[string]interface{}{
		"local_id": localID,
		"store":    s.queue.Name(),
	})
	return mutation, nil
}

// Amend replaces the draft of a still-unresolved capture under its existing
// local id. The row resets to queued with a zero retry count. Captures that
// are mid-flight or already confirmed cannot be amended.
func (s *Service) Amend(localID string, draft models.MemoryDraft) (*models.QueuedMutation, error) {
	existing, err := s.queue.GetByLocalID(localID)
	if err != nil {
		return nil, err
	}
	switch existing.Status {
	case models.StatusSyncing:
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("capture %s is syncing; amend after it settles", localID))
	case models.StatusCompleted:
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("capture %s already synced; edit the remote record instead", localID))
	}

	if err := normalize(&draft); err != nil {
		return nil, err
	}
	version, payload, err := models.EncodePayload(draft)
	if err != nil {
		return nil, err
	}

	if existing.Operation == models.OperationCreate {
		s.cacheDetail(localID, draft)
	}

	mutation := &models.QueuedMutation{
		LocalID:        localID,
		Operation:      existing.Operation,
		TargetRemoteID: existing.TargetRemoteID,
		Payload:        payload,
		Version:        version,
	}
	if err := s.queue.Enqueue(mutation); err != nil {
		return nil, err
	}

	s.logger.Info("Amended capture", map[string]interface{}{
		"local_id": localID,
	})
	return mutation, nil
}

// EditRemote queues an update against a confirmed remote record. The
// pending payload lives only in the queue row; the cached copy of the
// record stays at its last confirmed state.
func (s *Service) EditRemote(remoteID string, draft models.MemoryDraft) (*models.QueuedMutation, error) {
	if remoteID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "remote id is required")
	}
	if err := normalize(&draft); err != nil {
		return nil, err
	}

	version, payload, err := models.EncodePayload(draft)
	if err != nil {
		return nil, err
	}

	mutation := &models.QueuedMutation{
		LocalID:        uuid.New(),
		Operation:      models.OperationUpdate,
		TargetRemoteID: remoteID,
		Payload:        payload,
		Version:        version,
	}
	if err := s.queue.Enqueue(mutation); err != nil {
		return nil, err
	}

	s.logger.Info("Queued remote edit", map[string]interface{}{
		"local_id":  mutation.LocalID,
		"remote_id": remoteID,
	})
	return mutation, nil
}

// normalize trims and validates draft fields in place, defaulting the
// capture time to now.
func normalize(draft *models.MemoryDraft) error {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Text = strings.TrimSpace(draft.Text)
	if draft.Text == "" {
		return apperrors.New(apperrors.ErrValidation, "text is required")
	}

	if len(draft.Tags) > 0 {
		tags := make([]string, 0, len(draft.Tags))
		for _, tag := range draft.Tags {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				tags = append(tags, tag)
			}
		}
		if len(tags) == 0 {
			tags = nil
		}
		draft.Tags = tags
	}

	if draft.CapturedAt < 0 {
		return apperrors.New(apperrors.ErrValidation, "captured_at must not be negative")
	}
	if draft.CapturedAt == 0 {
		draft.CapturedAt = time.Now().Unix()
	}
	return nil
}

// cacheDetail keeps the freshly captured record fully readable offline
// before it ever reaches the remote store. Cache trouble is logged, not
// returned; the queue row already holds everything needed to sync.
func (s *Service) cacheDetail(id string, draft models.MemoryDraft) {
	if s.cache == nil {
		return
	}
	title, snippet := preview.Derive(draft.Title, draft.Text)
	memory := &models.Memory{
		ID:         id,
		Title:      title,
		Snippet:    snippet,
		Text:       draft.Text,
		Tags:       draft.Tags,
		CapturedAt: draft.CapturedAt,
	}
	if err := s.cache.Put(memory); err != nil {
		s.logger.Warn("Failed to cache capture detail", map[string]interface{}{
			"local_id": id,
			"error":    err.Error(),
		})
	}
}
