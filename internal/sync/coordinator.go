// Package sync drains mutation queue partitions against the remote write
// path. Partitions drain concurrently; items within a partition go one at
// a time, oldest first. A failed item is recorded and skipped, never
// retried automatically until connectivity returns or the user asks.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/models"
	"github.com/kimhsiao/memofeed/internal/queue"
)

// Writer is the remote write path drained against. *remote.Client
// satisfies it.
type Writer interface {
	Create(ctx context.Context, clientRef string, draft *models.MemoryDraft) (*models.Memory, error)
	Update(ctx context.Context, id string, draft *models.MemoryDraft) (*models.Memory, error)
}

// Connectivity reports whether the remote service is currently reachable.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
}

// Config holds coordinator configuration.
type Config struct {
	// Interval between periodic drains of queued items.
	Interval time.Duration

	// PurgeInterval between janitor sweeps of completed rows.
	PurgeInterval time.Duration

	// PurgeAfter is how long a completed row may linger before the janitor
	// removes it. Completed rows are normally removed by the feed engine
	// once it has confirmed the remote replacement; the janitor covers
	// headless runs with no engine attached.
	PurgeAfter time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:      5 * time.Minute,
		PurgeInterval: time.Hour,
		PurgeAfter:    24 * time.Hour,
	}
}

// Result summarizes one drain pass.
type Result struct {
	Completed int
	Failed    int
	Requeued  int
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	Running  bool                   `json:"running"`
	Online   bool                   `json:"online"`
	Draining []string               `json:"draining,omitempty"`
	LastSync *time.Time             `json:"last_sync,omitempty"`
	Stats    map[string]queue.Stats `json:"stats"`
}

// Coordinator owns the background drain loops for a set of queue
// partitions.
type Coordinator struct {
	stores []*queue.Store
	writer Writer
	conn   Connectivity
	bus    *events.Bus
	config *Config
	logger *logging.Logger

	mu       sync.RWMutex
	running  bool
	draining map[string]bool
	lastSync time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	subID  string
}

// NewCoordinator creates a coordinator over the given partitions. Zero
// config fields fall back to their defaults.
func NewCoordinator(stores []*queue.Store, writer Writer, conn Connectivity, bus *events.Bus, config *Config) *Coordinator {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = defaults.PurgeInterval
	}
	if config.PurgeAfter <= 0 {
		config.PurgeAfter = defaults.PurgeAfter
	}
	return &Coordinator{
		stores:   stores,
		writer:   writer,
		conn:     conn,
		bus:      bus,
		config:   config,
		draining: make(map[string]bool),
		logger:   logging.Get().Named("sync"),
	}
}

// Start launches the periodic drain loop, the completed-row janitor and
// the connectivity subscription, then kicks an initial drain.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if c.bus != nil {
		c.subID = c.bus.Subscribe(c.onConnectivityChanged, events.TypeConnectivityChanged)
	}

	c.wg.Add(2)
	go c.drainLoop()
	go c.janitorLoop()

	go c.drainAll(context.Background())

	c.logger.Info("Sync coordinator started", map[string]interface{}{
		"partitions":       len(c.stores),
		"interval_seconds": c.config.Interval.Seconds(),
	})
}

// Stop halts the loops. In-flight items finish; remaining ones wait for
// the next start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	if c.bus != nil && c.subID != "" {
		c.bus.Unsubscribe(c.subID)
	}

	close(c.stopCh)
	c.wg.Wait()

	c.logger.Info("Sync coordinator stopped")
}

// TriggerSync starts a drain of queued items in the background. It reports
// false when offline (a trigger is then a no-op) and true otherwise.
func (c *Coordinator) TriggerSync() bool {
	if !c.conn.Online() {
		c.logger.Debug("Sync trigger ignored while offline")
		return false
	}
	go c.drainAll(context.Background())
	return true
}

// DrainOnce drains every partition and blocks until done. Used by the
// one-shot CLI path; returns OFFLINE without touching the queue when the
// remote is unreachable.
func (c *Coordinator) DrainOnce(ctx context.Context) (Result, error) {
	if !c.conn.Online() {
		return Result{}, apperrors.New(apperrors.ErrOffline, "remote service unreachable; queue left untouched")
	}
	return c.drainAll(ctx), nil
}

// RetryFailed requeues every failed item across all partitions and starts
// a drain. It reports how many items were requeued.
func (c *Coordinator) RetryFailed() (int, error) {
	requeued := 0
	for _, store := range c.stores {
		n, err := store.RequeueFailed()
		if err != nil {
			return requeued, err
		}
		requeued += n
	}
	if requeued > 0 {
		c.TriggerSync()
	}
	return requeued, nil
}

// Status reports the coordinator and per-partition queue state.
func (c *Coordinator) Status() (Status, error) {
	c.mu.RLock()
	status := Status{
		Running: c.running,
		Online:  c.conn.Online(),
		Stats:   make(map[string]queue.Stats, len(c.stores)),
	}
	for name, active := range c.draining {
		if active {
			status.Draining = append(status.Draining, name)
		}
	}
	if !c.lastSync.IsZero() {
		lastSync := c.lastSync
		status.LastSync = &lastSync
	}
	c.mu.RUnlock()

	for _, store := range c.stores {
		stats, err := store.Stats()
		if err != nil {
			return Status{}, err
		}
		status.Stats[store.Name()] = stats
	}
	return status, nil
}

// onConnectivityChanged requeues failed items and drains when the remote
// becomes reachable again. Runs on the bus goroutine, so the real work is
// handed off.
func (c *Coordinator) onConnectivityChanged(event events.Event) {
	change, ok := event.Data.(events.ConnectivityChange)
	if !ok || !change.Online {
		return
	}
	go func() {
		requeued := 0
		for _, store := range c.stores {
			n, err := store.RequeueFailed()
			if err != nil {
				c.logger.Error("Failed to requeue after reconnect", err, map[string]interface{}{
					"store": store.Name(),
				})
				continue
			}
			requeued += n
		}
		if requeued > 0 {
			c.logger.Info("Requeued failed items after reconnect", map[string]interface{}{
				"count": requeued,
			})
		}
		c.drainAll(context.Background())
	}()
}

// drainLoop drains queued items on a fixed interval while online.
func (c *Coordinator) drainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.conn.Online() {
				c.logger.Debug("Skipping periodic drain while offline")
				continue
			}
			c.drainAll(context.Background())
		}
	}
}

// janitorLoop purges old completed rows on a fixed interval.
func (c *Coordinator) janitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, store := range c.stores {
				purged, err := store.PurgeCompleted(c.config.PurgeAfter)
				if err != nil {
					c.logger.Error("Janitor sweep failed", err, map[string]interface{}{
						"store": store.Name(),
					})
					continue
				}
				if purged > 0 {
					c.logger.Info("Purged completed queue rows", map[string]interface{}{
						"store": store.Name(),
						"count": purged,
					})
				}
			}
		}
	}
}

// drainAll drains every partition concurrently and waits for all of them.
func (c *Coordinator) drainAll(ctx context.Context) Result {
	if !c.conn.Online() {
		return Result{}
	}

	c.mu.RLock()
	stopCh := c.stopCh
	c.mu.RUnlock()

	results := make([]Result, len(c.stores))
	var wg sync.WaitGroup
	for i, store := range c.stores {
		wg.Add(1)
		go func(i int, store *queue.Store) {
			defer wg.Done()
			results[i] = c.drainPartition(ctx, stopCh, store)
		}(i, store)
	}
	wg.Wait()

	var total Result
	for _, r := range results {
		total.Completed += r.Completed
		total.Failed += r.Failed
	}

	c.mu.Lock()
	c.lastSync = time.Now()
	c.mu.Unlock()

	if total.Completed > 0 || total.Failed > 0 {
		c.logger.Info("Drain pass finished", map[string]interface{}{
			"completed": total.Completed,
			"failed":    total.Failed,
		})
	}
	return total
}

// drainPartition pushes the partition's queued items one at a time, oldest
// first. At most one drain runs per partition at any moment.
func (c *Coordinator) drainPartition(ctx context.Context, stopCh <-chan struct{}, store *queue.Store) Result {
	c.mu.Lock()
	if c.draining[store.Name()] {
		c.mu.Unlock()
		return Result{}
	}
	c.draining[store.Name()] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.draining, store.Name())
		c.mu.Unlock()
	}()

	items, err := store.ListByStatus(models.StatusQueued)
	if err != nil {
		c.logger.Error("Failed to list queued items", err, map[string]interface{}{
			"store": store.Name(),
		})
		return Result{}
	}

	var result Result
	for _, item := range items {
		select {
		case <-stopCh:
			return result
		case <-ctx.Done():
			return result
		default:
		}
		if !c.conn.Online() {
			c.logger.Debug("Went offline mid-drain; stopping", map[string]interface{}{
				"store": store.Name(),
			})
			return result
		}

		if err := c.syncItem(ctx, store, item); err != nil {
			result.Failed++
		} else {
			result.Completed++
		}
	}
	return result
}

// syncItem pushes one mutation to the remote store and settles its row.
// The localId doubles as the idempotency key for creates, so a retried
// item never produces a duplicate record.
func (c *Coordinator) syncItem(ctx context.Context, store *queue.Store, item *models.QueuedMutation) error {
	if err := store.MarkSyncing(item.LocalID); err != nil {
		return err
	}

	draft, err := models.DecodePayload(item.Version, item.Payload)
	if err != nil {
		c.fail(store, item, fmt.Sprintf("undecodable payload (version %d): %v", item.Version, err))
		return err
	}

	var memory *models.Memory
	switch item.Operation {
	case models.OperationCreate:
		memory, err = c.writer.Create(ctx, item.LocalID, &draft)
	case models.OperationUpdate:
		memory, err = c.writer.Update(ctx, item.TargetRemoteID, &draft)
	default:
		err = apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unknown operation %q", item.Operation))
	}
	if err != nil {
		message := err.Error()
		if apperrors.Is(err, apperrors.ErrNotFound) {
			message = fmt.Sprintf("remote record %s is gone", item.TargetRemoteID)
		}
		c.fail(store, item, message)
		return err
	}

	if err := store.MarkCompleted(item.LocalID, memory.ID); err != nil {
		return err
	}

	c.logger.Info("Synced mutation", map[string]interface{}{
		"store":     store.Name(),
		"local_id":  item.LocalID,
		"remote_id": memory.ID,
		"operation": string(item.Operation),
	})
	if c.bus != nil {
		c.bus.Publish(events.TypeSyncCompleted, events.SyncCompleted{
			LocalID:  item.LocalID,
			RemoteID: memory.ID,
		})
	}
	return nil
}

// fail records the failure on the row and announces it. A failed sibling
// never aborts the rest of the drain.
func (c *Coordinator) fail(store *queue.Store, item *models.QueuedMutation, message string) {
	if err := store.MarkFailed(item.LocalID, message); err != nil {
		c.logger.Error("Failed to record sync failure", err, map[string]interface{}{
			"store":    store.Name(),
			"local_id": item.LocalID,
		})
	}

	c.logger.Warn("Mutation sync failed", map[string]interface{}{
		"store":       store.Name(),
		"local_id":    item.LocalID,
		"operation":   string(item.Operation),
		"retry_count": item.RetryCount + 1,
		"error":       message,
	})
	if c.bus != nil {
		c.bus.Publish(events.TypeSyncFailed, events.SyncFailed{
			LocalID: item.LocalID,
			Message: message,
		})
	}
}
