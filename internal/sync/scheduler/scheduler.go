// Package scheduler drives periodic background work: sync ticks while
// online and tombstone garbage collection on a cache-cleanup cadence.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/logging"
)

// Engine is the slice of the sync engine the scheduler drives.
type Engine interface {
	TriggerSync()
	PendingCount() int
}

// TombstoneGC is the periodic cleanup the scheduler triggers.
type TombstoneGC interface {
	CleanupOld(daysOld int) (int, error)
}

// Network gates periodic sync on connectivity.
type Network interface {
	IsOnline() bool
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval    time.Duration // period between background sync ticks
	CleanupInterval time.Duration // period between tombstone GC passes
	RetentionDays   int           // tombstone retention window
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    15 * time.Minute,
		CleanupInterval: 24 * time.Hour,
		RetentionDays:   30,
	}
}

// Scheduler runs the background loops.
type Scheduler struct {
	cfg     Config
	engine  Engine
	gc      TombstoneGC
	network Network

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(engine Engine, gc TombstoneGC, network Network, cfg Config) *Scheduler {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultConfig().RetentionDays
	}
	return &Scheduler{
		cfg:     cfg,
		engine:  engine,
		gc:      gc,
		network: network,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop(ctx)
	go s.cleanupLoop(ctx)

	logging.Info("background sync scheduler started")
}

// Stop halts the loops and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("background sync scheduler stopped")
}

// OnAppForeground handles an app-foreground lifecycle signal.
func (s *Scheduler) OnAppForeground() {
	if s.network.IsOnline() {
		s.engine.TriggerSync()
	}
}

// OnNetworkChange handles an OS-level network-change notification.
func (s *Scheduler) OnNetworkChange() {
	if s.network.IsOnline() {
		s.engine.TriggerSync()
	}
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.network.IsOnline() {
				continue
			}
			if s.engine.PendingCount() == 0 {
				continue
			}
			logging.Debug("periodic sync tick", map[string]interface{}{
				"pending": s.engine.PendingCount(),
			})
			s.engine.TriggerSync()
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			removed, err := s.gc.CleanupOld(s.cfg.RetentionDays)
			if err != nil {
				logging.Error("tombstone cleanup failed", err)
				continue
			}
			if removed > 0 {
				logging.Info("tombstone cleanup pass", map[string]interface{}{"removed": removed})
			}
		}
	}
}
