// Package app is the composition root: it builds the full component
// graph (store, bus, monitor, queue, engine, tombstones, data service,
// scheduler) from configuration and owns its lifecycle.
package app

import (
	"context"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	"github.com/Oliskey-School/offline-sync/internal/config"
	"github.com/Oliskey-School/offline-sync/internal/dataservice"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/netmon"
	"github.com/Oliskey-School/offline-sync/internal/remote"
	"github.com/Oliskey-School/offline-sync/internal/store"
	syncengine "github.com/Oliskey-School/offline-sync/internal/sync"
	"github.com/Oliskey-School/offline-sync/internal/sync/queue"
	"github.com/Oliskey-School/offline-sync/internal/sync/scheduler"
	"github.com/Oliskey-School/offline-sync/internal/tombstone"
)

// SyncContext is the explicitly constructed aggregate owning every
// component of the sync core. There are no package-level singletons;
// callers build one SyncContext, start it, and close it on shutdown.
type SyncContext struct {
	Store      *store.Store
	Events     *bus.Bus
	Network    *netmon.Monitor
	Queue      *queue.SyncQueue
	Engine     *syncengine.Engine
	Tombstones *tombstone.Manager
	Data       *dataservice.Service
	Hydrator   *store.Hydrator
	Scheduler  *scheduler.Scheduler

	backend remote.Backend
	cancel  context.CancelFunc
}

// NewSyncContext builds the full component graph from configuration.
// The store is opened and migrated; nothing runs until Start.
func NewSyncContext(cfg *config.Config) (*SyncContext, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}

	events := bus.New()

	backend := remote.Backend(remote.NewRESTBackend(&remote.RESTConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.Timeout,
	}))

	var feed remote.ChangeFeed
	if cfg.Remote.RealtimeURL != "" {
		feed = remote.NewRealtimeFeed(remote.RealtimeConfig{
			URL:    cfg.Remote.RealtimeURL,
			APIKey: cfg.Remote.APIKey,
		})
	}

	probeURL := cfg.Net.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL
	}
	monitor := netmon.New(events, netmon.NewHTTPProber(probeURL, cfg.Remote.Timeout), netmon.Config{
		Interval:  cfg.Net.ProbeInterval,
		DwellTime: cfg.Net.DwellTime,
	})

	policy := queue.RetryPolicy{
		MaxAttempts: cfg.Sync.MaxRetries,
		BaseDelay:   cfg.Sync.BaseRetryDelay,
		MaxDelay:    cfg.Sync.MaxRetryDelay,
	}
	q, err := queue.New(st, policy, queue.SystemClock{})
	if err != nil {
		st.Close()
		return nil, err
	}

	engine := syncengine.New(st, q, backend, feed, events, monitor, syncengine.Config{
		DebounceDelay:   cfg.Sync.DebounceDelay,
		MaxSyncDuration: cfg.Sync.MaxSyncDuration,
	})

	tombstones := tombstone.NewManager(st, engine)
	data := dataservice.New(st, engine, backend, events, monitor, cfg.Sync.Revalidate)
	sched := scheduler.New(engine, tombstones, monitor, scheduler.Config{
		SyncInterval:    cfg.Sync.Interval,
		CleanupInterval: cfg.Sync.CleanupInterval,
		RetentionDays:   cfg.Sync.RetentionDays,
	})

	return &SyncContext{
		Store:      st,
		Events:     events,
		Network:    monitor,
		Queue:      q,
		Engine:     engine,
		Tombstones: tombstones,
		Data:       data,
		Hydrator:   store.NewHydrator(st, backend),
		Scheduler:  sched,
		backend:    backend,
	}, nil
}

// Start brings the component graph online: network monitoring, the sync
// engine, and the background scheduler. Initial hydration runs in the
// background when the store is empty; the engine serves local data
// meanwhile.
func (c *SyncContext) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.Engine.Start(runCtx); err != nil {
		cancel()
		return err
	}
	c.Network.Start(runCtx)
	c.Scheduler.Start(runCtx)

	go c.hydrateIfNeeded(runCtx)
	return nil
}

// Close shuts the graph down in reverse dependency order. Queued
// operations stay durable for the next run.
func (c *SyncContext) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.Scheduler.Stop()
	c.Engine.Stop()
	c.Network.Stop()
	return c.Store.Close()
}

func (c *SyncContext) hydrateIfNeeded(ctx context.Context) {
	done, err := c.Hydrator.Hydrated()
	if err != nil {
		logging.Error("hydration state check failed", err)
		return
	}
	if done {
		return
	}
	if !c.Network.IsOnline() {
		// Hydration retries on the next online transition.
		unsub := make(chan struct{})
		var once func()
		once = c.Events.Subscribe(bus.EventOnline, func(interface{}) {
			select {
			case <-unsub:
			default:
				close(unsub)
				go c.runHydration(ctx)
			}
		})
		go func() {
			select {
			case <-unsub:
			case <-ctx.Done():
			}
			once()
		}()
		return
	}
	c.runHydration(ctx)
}

func (c *SyncContext) runHydration(ctx context.Context) {
	err := c.Hydrator.Run(ctx, func(fraction float64, message string) {
		c.Events.Publish(bus.EventHydrationProgress, map[string]interface{}{
			"fraction": fraction,
			"message":  message,
		})
	})
	if err != nil && ctx.Err() == nil {
		c.Events.Publish(bus.EventSyncError, err)
	}
}
