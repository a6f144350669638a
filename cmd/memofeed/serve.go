// Package main: the serve command runs the feed daemon with the
// localhost REST API and the WebSocket status hub.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/memofeed/cmd/memofeed/handlers"
	"github.com/kimhsiao/memofeed/internal/cache"
	"github.com/kimhsiao/memofeed/internal/capture"
	"github.com/kimhsiao/memofeed/internal/config"
	"github.com/kimhsiao/memofeed/internal/connectivity"
	"github.com/kimhsiao/memofeed/internal/db"
	"github.com/kimhsiao/memofeed/internal/events"
	"github.com/kimhsiao/memofeed/internal/feed"
	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/push"
	"github.com/kimhsiao/memofeed/internal/queue"
	"github.com/kimhsiao/memofeed/internal/remote"
	"github.com/kimhsiao/memofeed/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the feed daemon with the localhost API",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelInfo
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			level = logging.LevelDebug
		}
		logging.Init(os.Stderr, level)

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.Server.ListenAddr = addr
		}

		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address for the local API (overrides config)")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")
}

// app wires the full daemon: storage, remote client, event bus, push
// channel, connectivity monitor, sync coordinator, and feed engine.
type app struct {
	cfg         *config.Config
	database    *db.DB
	bus         *events.Bus
	store       *queue.Store
	client      *remote.Client
	cache       *cache.Cache
	monitor     *connectivity.Monitor
	pushClient  *push.Client
	coordinator *sync.Coordinator
	engine      *feed.Engine
	capture     *capture.Service
	logger      *logging.Logger
}

// newApp builds the daemon components without starting any background
// loops.
func newApp(cfg *config.Config) (*app, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	detailCache, err := cache.Open(cache.DefaultConfig(filepath.Join(cfg.DataDir, "cache")))
	if err != nil {
		database.Close()
		return nil, err
	}

	bus := events.NewBus()
	store := queue.NewStore(database.DB, bus, queue.DefaultStore)
	client := remote.NewClient(&remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.RemoteTimeout(),
	})
	monitor := connectivity.NewMonitor(client, bus, cfg.ProbeInterval())
	pushClient := push.NewClient(&push.Config{
		URL:   push.StreamURL(cfg.Remote.BaseURL),
		Token: cfg.Remote.Token,
	}, bus)
	coordinator := sync.NewCoordinator([]*queue.Store{store}, client, monitor, bus, &sync.Config{
		Interval:   cfg.SyncInterval(),
		PurgeAfter: cfg.PurgeCompletedAfter(),
	})
	engine := feed.NewEngine(client, store, detailCache, monitor, bus, &feed.Config{
		BatchSize: cfg.Feed.BatchSize,
	})

	return &app{
		cfg:         cfg,
		database:    database,
		bus:         bus,
		store:       store,
		client:      client,
		cache:       detailCache,
		monitor:     monitor,
		pushClient:  pushClient,
		coordinator: coordinator,
		engine:      engine,
		capture:     capture.NewService(store, detailCache),
		logger:      logging.Get().Named("serve"),
	}, nil
}

// start brings up the background loops.
func (a *app) start() {
	a.monitor.Start()
	a.pushClient.Start()
	a.coordinator.Start()
}

// Close shuts everything down in reverse dependency order.
func (a *app) Close() {
	a.coordinator.Stop()
	a.pushClient.Stop()
	a.monitor.Stop()
	a.engine.Close()
	a.bus.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.Error("Failed to close cache", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close queue store", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("Failed to close database", err)
	}
}

// registerRoutes attaches the REST API, the health endpoint, and the
// WebSocket status hub.
func registerRoutes(mux *http.ServeMux, a *app, hub *WSHub) {
	feedHandler := handlers.NewFeedHandler(a.engine)
	captureHandler := handlers.NewCaptureHandler(a.capture)
	queueHandler := handlers.NewQueueHandler(a.store, a.capture, a.coordinator)
	syncHandler := handlers.NewSyncHandler(a.coordinator)

	mux.HandleFunc("/api/v1/feed", feedHandler.GetFeed)
	mux.HandleFunc("/api/v1/feed/page", feedHandler.LoadMore)
	mux.HandleFunc("/api/v1/feed/refresh", feedHandler.Refresh)
	mux.HandleFunc("/api/v1/feed/filters", feedHandler.SetFilters)
	mux.HandleFunc("/api/v1/memories", captureHandler.CaptureMemory)
	mux.HandleFunc("/api/v1/memories/", captureHandler.EditMemory)
	mux.HandleFunc("/api/v1/queue", queueHandler.ListQueue)
	mux.HandleFunc("/api/v1/queue/retry", queueHandler.RetryQueue)
	mux.HandleFunc("/api/v1/queue/", queueHandler.QueueItem)
	mux.HandleFunc("/api/v1/sync", syncHandler.TriggerSync)
	mux.HandleFunc("/api/v1/sync/status", syncHandler.SyncStatus)
	mux.HandleFunc("/api/health", healthHandler(a))
	mux.HandleFunc("/ws", HandleWebSocket(hub))
}

// healthHandler reports daemon liveness and remote reachability.
func healthHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"service": "memofeed",
			"online":  a.monitor.Online(),
		})
	}
}

// runServe runs the daemon until the context is canceled or a signal
// arrives.
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.start()

	hub := NewWSHub(a.bus)
	defer hub.Close()

	mux := http.NewServeMux()
	registerRoutes(mux, a, hub)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("API listening", map[string]interface{}{
			"addr": cfg.Server.ListenAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
