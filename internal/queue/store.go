// Package queue provides the durable mutation queue backing offline capture.
//
// Every mutation made while offline (or while a sync is pending) lives here
// as a row in SQLite until the sync coordinator confirms it reached the
// remote service and the feed engine confirms the synced record is visible.
// Rows survive process restarts.
package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/models"
)

// DefaultStore is the partition name for memory records.
const DefaultStore = "memories"

// Stats summarizes queue contents by status.
type Stats struct {
	Queued    int `json:"queued"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Unresolved returns the number of items still awaiting sync.
func (s Stats) Unresolved() int {
	return s.Queued + s.Syncing + s.Failed
}

// Store manages queued mutations for one partition (the store column).
// All methods are safe for concurrent use.
type Store struct {
	db    *sql.DB
	bus   *events.Bus
	store string

	mu sync.Mutex

	// Prepared statement cache, keyed by query string
	stmtCache sync.Map
}

// NewStore creates a mutation queue store for the given partition.
func NewStore(db *sql.DB, bus *events.Bus, store string) *Store {
	if store == "" {
		store = DefaultStore
	}
	return &Store{
		db:    db,
		bus:   bus,
		store: store,
	}
}

// Name returns the partition name this store manages.
func (s *Store) Name() string {
	return s.store
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const mutationColumns = `local_id, store, operation, target_remote_id, payload, payload_version,
	status, retry_count, error_message, created_at, updated_at, last_attempt_at`

func scanMutation(row interface{ Scan(...any) error }) (*models.QueuedMutation, error) {
	var m models.QueuedMutation
	err := row.Scan(
		&m.LocalID, &m.Store, &m.Operation, &m.TargetRemoteID, &m.Payload, &m.Version,
		&m.Status, &m.RetryCount, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt, &m.LastAttemptAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue inserts a mutation, or coalesces it into the existing row when
// one with the same local id is already queued: the payload is replaced
// and the row reset to queued with a zero retry count, so an edit made
// while a previous attempt is failing supersedes it.
func (s *Store) Enqueue(m *models.QueuedMutation) error {
	if !m.Operation.Valid() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid operation: %s", m.Operation))
	}

	s.mu.Lock()
	now := time.Now().Unix()
	existing, err := s.getByLocalID(m.LocalID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		s.mu.Unlock()
		return err
	}

	var kind events.ChangeKind
	if existing != nil {
		query := `UPDATE mutation_queue
			SET operation = ?, target_remote_id = ?, payload = ?, payload_version = ?,
				status = ?, retry_count = 0, error_message = '', updated_at = ?
			WHERE local_id = ? AND store = ?`
		_, err = s.db.Exec(query, m.Operation, m.TargetRemoteID, m.Payload, m.Version,
			models.StatusQueued, now, m.LocalID, s.store)
		if err != nil {
			s.mu.Unlock()
			return apperrors.Wrap(err, apperrors.ErrStorage, "failed to update queued mutation")
		}
		m.CreatedAt = existing.CreatedAt
		kind = events.ChangeUpdated
	} else {
		if m.CreatedAt == 0 {
			m.CreatedAt = now
		}
		query := `INSERT INTO mutation_queue (` + mutationColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err = s.db.Exec(query, m.LocalID, s.store, m.Operation, m.TargetRemoteID,
			m.Payload, m.Version, models.StatusQueued, 0, "", m.CreatedAt, now, 0)
		if err != nil {
			s.mu.Unlock()
			return apperrors.Wrap(err, apperrors.ErrStorage, "failed to enqueue mutation")
		}
		kind = events.ChangeAdded
	}
	m.Store = s.store
	m.Status = models.StatusQueued
	m.RetryCount = 0
	m.ErrorMessage = ""
	m.UpdatedAt = now
	s.mu.Unlock()

	s.publish(m.LocalID, kind)
	return nil
}

// GetByLocalID retrieves a mutation by its local id.
func (s *Store) GetByLocalID(localID string) (*models.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByLocalID(localID)
}

func (s *Store) getByLocalID(localID string) (*models.QueuedMutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_queue WHERE local_id = ? AND store = ?`
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to prepare queue lookup")
	}

	m, err := scanMutation(stmt.QueryRow(localID, s.store))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no queued mutation with local id %s", localID))
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to read queued mutation")
	}
	return m, nil
}

// ListByStatus returns mutations in any of the given statuses, oldest first.
func (s *Store) ListByStatus(statuses ...models.MutationStatus) ([]*models.QueuedMutation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, s.store)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, status)
	}

	query := `SELECT ` + mutationColumns + ` FROM mutation_queue
		WHERE store = ? AND status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC, local_id ASC`

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to list queued mutations")
	}
	defer rows.Close()

	var result []*models.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to scan queued mutation")
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrStorage, "failed to iterate queued mutations")
	}
	return result, nil
}

// ListUnresolved returns all mutations still awaiting sync (queued, syncing,
// or failed), oldest first.
func (s *Store) ListUnresolved() ([]*models.QueuedMutation, error) {
	return s.ListByStatus(models.StatusQueued, models.StatusSyncing, models.StatusFailed)
}

// MarkSyncing transitions a mutation to syncing and stamps the attempt time.
func (s *Store) MarkSyncing(localID string) error {
	now := time.Now().Unix()
	return s.transition(localID, `UPDATE mutation_queue
		SET status = ?, last_attempt_at = ?, updated_at = ?
		WHERE local_id = ? AND store = ?`,
		models.StatusSyncing, now, now, localID, s.store)
}

// MarkFailed transitions a mutation to failed, recording the error message
// and incrementing its retry count.
func (s *Store) MarkFailed(localID, message string) error {
	now := time.Now().Unix()
	return s.transition(localID, `UPDATE mutation_queue
		SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE local_id = ? AND store = ?`,
		models.StatusFailed, message, now, localID, s.store)
}

// MarkCompleted transitions a mutation to completed and records the remote
// id the mutation resolved to. The row stays until Remove is called, so a
// crash between sync and feed placement cannot lose the record.
func (s *Store) MarkCompleted(localID, remoteID string) error {
	now := time.Now().Unix()
	return s.transition(localID, `UPDATE mutation_queue
		SET status = ?, target_remote_id = ?, error_message = '', updated_at = ?
		WHERE local_id = ? AND store = ?`,
		models.StatusCompleted, remoteID, now, localID, s.store)
}

// Requeue transitions a mutation back to queued. Used for explicit user
// retry and to recover syncing rows orphaned by a crash.
func (s *Store) Requeue(localID string) error {
	now := time.Now().Unix()
	return s.transition(localID, `UPDATE mutation_queue
		SET status = ?, error_message = '', updated_at = ?
		WHERE local_id = ? AND store = ?`,
		models.StatusQueued, now, localID, s.store)
}

func (s *Store) transition(localID, query string, args ...any) error {
	s.mu.Lock()
	result, err := s.db.Exec(query, args...)
	if err != nil {
		s.mu.Unlock()
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to update mutation status")
	}
	affected, err := result.RowsAffected()
	s.mu.Unlock()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to check mutation update")
	}
	if affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no queued mutation with local id %s", localID))
	}

	s.publish(localID, events.ChangeUpdated)
	return nil
}

// RequeueFailed transitions every failed mutation back to queued and
// returns how many rows changed. Called when connectivity returns.
func (s *Store) RequeueFailed() (int, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT local_id FROM mutation_queue WHERE store = ? AND status = ?`,
		s.store, models.StatusFailed)
	if err != nil {
		s.mu.Unlock()
		return 0, apperrors.Wrap(err, apperrors.ErrStorage, "failed to list failed mutations")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.Unlock()
			return 0, apperrors.Wrap(err, apperrors.ErrStorage, "failed to scan failed mutation")
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) > 0 {
		now := time.Now().Unix()
		_, err = s.db.Exec(`UPDATE mutation_queue
			SET status = ?, error_message = '', updated_at = ?
			WHERE store = ? AND status = ?`,
			models.StatusQueued, now, s.store, models.StatusFailed)
		if err != nil {
			s.mu.Unlock()
			return 0, apperrors.Wrap(err, apperrors.ErrStorage, "failed to requeue failed mutations")
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.publish(id, events.ChangeUpdated)
	}
	return len(ids), nil
}

// Remove deletes a mutation row. The feed engine calls this once the
// synced record is confirmed visible.
func (s *Store) Remove(localID string) error {
	s.mu.Lock()
	result, err := s.db.Exec(`DELETE FROM mutation_queue WHERE local_id = ? AND store = ?`,
		localID, s.store)
	if err != nil {
		s.mu.Unlock()
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to remove queued mutation")
	}
	affected, err := result.RowsAffected()
	s.mu.Unlock()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrStorage, "failed to check mutation removal")
	}
	if affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no queued mutation with local id %s", localID))
	}

	s.publish(localID, events.ChangeRemoved)
	return nil
}

// PurgeCompleted deletes completed rows whose last update is older than
// the given age and returns how many were removed. The coordinator runs
// this so headless sync-only processes do not accumulate completed rows.
func (s *Store) PurgeCompleted(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM mutation_queue
		WHERE store = ? AND status = ? AND updated_at < ?`,
		s.store, models.StatusCompleted, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrStorage, "failed to purge completed mutations")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrStorage, "failed to check purge result")
	}
	return int(affected), nil
}

// Stats returns queue contents summarized by status.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM mutation_queue
		WHERE store = ? GROUP BY status`, s.store)
	if err != nil {
		return Stats{}, apperrors.Wrap(err, apperrors.ErrStorage, "failed to read queue stats")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status models.MutationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, apperrors.Wrap(err, apperrors.ErrStorage, "failed to scan queue stats")
		}
		switch status {
		case models.StatusQueued:
			stats.Queued = count
		case models.StatusSyncing:
			stats.Syncing = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusCompleted:
			stats.Completed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, apperrors.Wrap(err, apperrors.ErrStorage, "failed to iterate queue stats")
	}
	return stats, nil
}

// Size returns the number of unresolved mutations.
func (s *Store) Size() (int, error) {
	stats, err := s.Stats()
	if err != nil {
		return 0, err
	}
	return stats.Unresolved(), nil
}

func (s *Store) publish(localID string, kind events.ChangeKind) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TypeQueueChanged, events.QueueChange{LocalID: localID, Kind: kind})
}
