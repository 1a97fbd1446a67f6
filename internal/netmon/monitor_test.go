package netmon

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	"github.com/Oliskey-School/offline-sync/internal/logging"
	"github.com/Oliskey-School/offline-sync/internal/models"
)

func TestMain(m *testing.M) {
	logging.Init(io.Discard, "error")
	os.Exit(m.Run())
}

func TestClassifyThresholds(t *testing.T) {
	m := New(bus.New(), nil, DefaultConfig())

	cases := []struct {
		rtt  time.Duration
		want models.ConnectionQuality
	}{
		{50 * time.Millisecond, models.QualityGood},
		{199 * time.Millisecond, models.QualityGood},
		{200 * time.Millisecond, models.QualityFair},
		{599 * time.Millisecond, models.QualityFair},
		{600 * time.Millisecond, models.QualityPoor},
		{2 * time.Second, models.QualityPoor},
	}
	for _, tc := range cases {
		if got := m.classify(tc.rtt); got != tc.want {
			t.Errorf("classify(%v) = %q, want %q", tc.rtt, got, tc.want)
		}
	}
}

type monitorHarness struct {
	m       *Monitor
	now     time.Time
	online  int
	offline int
	changes int
}

func newMonitorHarness() *monitorHarness {
	events := bus.New()
	h := &monitorHarness{now: time.Unix(1_700_000_000, 0)}
	h.m = New(events, nil, Config{
		Interval:      time.Second,
		DwellTime:     5 * time.Second,
		GoodThreshold: 200 * time.Millisecond,
		FairThreshold: 600 * time.Millisecond,
	})
	h.m.nowFn = func() time.Time { return h.now }

	events.Subscribe(bus.EventOnline, func(interface{}) { h.online++ })
	events.Subscribe(bus.EventOffline, func(interface{}) { h.offline++ })
	events.Subscribe(bus.EventNetworkStateChange, func(interface{}) { h.changes++ })
	return h
}

func (h *monitorHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func online(quality models.ConnectionQuality) models.NetworkState {
	return models.NetworkState{IsOnline: true, Quality: quality}
}

func offline() models.NetworkState {
	return models.NetworkState{Quality: models.QualityUnknown}
}

func TestFirstObservationPublishesImmediately(t *testing.T) {
	h := newMonitorHarness()

	h.m.observe(online(models.QualityGood))

	if !h.m.IsOnline() {
		t.Error("IsOnline = false after online observation")
	}
	if h.online != 1 {
		t.Errorf("online events = %d, want 1", h.online)
	}
	if h.changes != 1 {
		t.Errorf("state-change events = %d, want 1", h.changes)
	}
}

func TestDwellDebouncesFlapping(t *testing.T) {
	h := newMonitorHarness()
	h.m.observe(online(models.QualityGood))

	// A brief drop should not publish before the dwell time expires.
	h.advance(time.Second)
	h.m.observe(offline())
	if h.offline != 0 {
		t.Fatal("offline published before dwell time")
	}
	if !h.m.IsOnline() {
		t.Error("published state changed before dwell time")
	}

	// Link comes back: the offline candidate is dropped.
	h.advance(time.Second)
	h.m.observe(online(models.QualityGood))
	if h.offline != 0 || h.online != 1 {
		t.Errorf("flap published events: online=%d offline=%d", h.online, h.offline)
	}

	// A real outage holds past the dwell time and is then published.
	h.advance(time.Second)
	h.m.observe(offline())
	h.advance(6 * time.Second)
	h.m.observe(offline())

	if h.offline != 1 {
		t.Errorf("offline events = %d, want 1", h.offline)
	}
	if h.m.IsOnline() {
		t.Error("IsOnline = true after sustained outage")
	}
}

func TestQualityChangeAlsoDebounced(t *testing.T) {
	h := newMonitorHarness()
	h.m.observe(online(models.QualityGood))

	h.advance(time.Second)
	h.m.observe(online(models.QualityPoor))
	if h.m.Quality() != models.QualityGood {
		t.Error("quality change published before dwell time")
	}

	h.advance(6 * time.Second)
	h.m.observe(online(models.QualityPoor))
	if h.m.Quality() != models.QualityPoor {
		t.Errorf("Quality = %q after sustained poor link, want poor", h.m.Quality())
	}
	// Still online throughout: no offline/online edges.
	if h.online != 1 || h.offline != 0 {
		t.Errorf("edge events for quality-only change: online=%d offline=%d", h.online, h.offline)
	}
	if h.changes != 2 {
		t.Errorf("state-change events = %d, want 2", h.changes)
	}
}

func TestLatencyRefreshWithoutTransition(t *testing.T) {
	h := newMonitorHarness()
	h.m.observe(models.NetworkState{IsOnline: true, Quality: models.QualityGood, LatencyMS: 40})
	h.m.observe(models.NetworkState{IsOnline: true, Quality: models.QualityGood, LatencyMS: 90})

	if h.changes != 1 {
		t.Errorf("same-state observation republished: %d events", h.changes)
	}
	if got := h.m.State().LatencyMS; got != 90 {
		t.Errorf("LatencyMS = %d, want refreshed 90", got)
	}
}
