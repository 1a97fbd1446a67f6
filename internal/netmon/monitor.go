// Package netmon tracks connectivity and coarse connection quality using a
// lightweight timed probe, publishing transitions on the event bus.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

// Prober measures one round trip to a nearby endpoint. Injectable so tests
// can simulate link conditions.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber times a HEAD request against a no-op endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober against url with the given timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// Config tunes the monitor.
type Config struct {
	Interval      time.Duration // probe period
	DwellTime     time.Duration // minimum time a new state must hold before re-publishing
	GoodThreshold time.Duration // rtt below this is Good
	FairThreshold time.Duration // rtt below this is Fair, above is Poor
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      15 * time.Second,
		DwellTime:     5 * time.Second,
		GoodThreshold: 200 * time.Millisecond,
		FairThreshold: 600 * time.Millisecond,
	}
}

// Monitor owns the in-memory NetworkState: Unknown until the first probe,
// then Online (Good/Fair/Poor) or Offline. Rapid flapping is debounced by
// a minimum dwell time so reconnect storms do not trigger a sync storm.
type Monitor struct {
	cfg    Config
	prober Prober
	events *bus.Bus
	nowFn  func() time.Time

	mu             sync.RWMutex
	state          models.NetworkState
	started        bool
	candidate      models.NetworkState
	candidateSince time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Monitor publishing on events.
func New(events *bus.Bus, prober Prober, cfg Config) *Monitor {
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		events: events,
		nowFn:  time.Now,
		state:  models.NetworkState{Quality: models.QualityUnknown},
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic probing until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Probe immediately so consumers leave Unknown fast.
		m.sample(ctx)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sample(ctx)
			}
		}
	}()
}

// Stop halts probing.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// IsOnline is a synchronous read of cached state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsOnline
}

// Quality is a synchronous read of cached state.
func (m *Monitor) Quality() models.ConnectionQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Quality
}

// State returns a copy of the cached NetworkState.
func (m *Monitor) State() models.NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ForceProbe runs one immediate sample, bypassing the probe interval (used
// by OS network-change notifications).
func (m *Monitor) ForceProbe(ctx context.Context) {
	m.sample(ctx)
}

func (m *Monitor) sample(ctx context.Context) {
	rtt, err := m.prober.Probe(ctx)

	observed := models.NetworkState{}
	if err != nil {
		observed.IsOnline = false
		observed.Quality = models.QualityUnknown
	} else {
		observed.IsOnline = true
		observed.Quality = m.classify(rtt)
		observed.LatencyMS = rtt.Milliseconds()
	}
	m.observe(observed)
}

func (m *Monitor) classify(rtt time.Duration) models.ConnectionQuality {
	switch {
	case rtt < m.cfg.GoodThreshold:
		return models.QualityGood
	case rtt < m.cfg.FairThreshold:
		return models.QualityFair
	default:
		return models.QualityPoor
	}
}

// observe applies dwell-time debouncing: a changed state is only published
// after it has held for DwellTime. The very first observation publishes
// immediately so startup is not delayed.
func (m *Monitor) observe(observed models.NetworkState) {
	m.mu.Lock()

	if m.started && sameState(observed, m.state) {
		// Back to the published state: drop any pending candidate.
		m.state.LatencyMS = observed.LatencyMS
		m.candidate = models.NetworkState{}
		m.mu.Unlock()
		return
	}

	now := m.nowFn()
	if m.started {
		if !sameState(observed, m.candidate) {
			m.candidate = observed
			m.candidateSince = now
			m.mu.Unlock()
			return
		}
		if now.Sub(m.candidateSince) < m.cfg.DwellTime {
			m.mu.Unlock()
			return
		}
	}

	prev := m.state
	m.started = true
	m.state = observed
	m.candidate = models.NetworkState{}
	m.mu.Unlock()

	// Publish outside the lock: handlers may read monitor state.
	logging.Info("network state changed", map[string]interface{}{
		"online":  observed.IsOnline,
		"quality": string(observed.Quality),
		"rtt_ms":  observed.LatencyMS,
	})
	m.events.Publish(bus.EventNetworkStateChange, observed)
	if observed.IsOnline && !prev.IsOnline {
		m.events.Publish(bus.EventOnline, observed)
	}
	if !observed.IsOnline && prev.IsOnline {
		m.events.Publish(bus.EventOffline, observed)
	}
}

func sameState(a, b models.NetworkState) bool {
	return a.IsOnline == b.IsOnline && a.Quality == b.Quality
}
