package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Oliskey-School/offline-sync/internal/logging"
)

// RealtimeConfig holds the change-feed connection configuration.
type RealtimeConfig struct {
	URL    string // e.g. wss://backend.example.com/realtime/v1
	APIKey string
	// ReconnectMin/Max bound the backoff between reconnect attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// RealtimeFeed implements ChangeFeed over a websocket connection to the
// backend's change-notification stream. The connection is re-established
// with backoff after any failure; events missed while disconnected are
// recovered by the engine's delta catch-up, not by the feed.
type RealtimeFeed struct {
	config RealtimeConfig
	dialer *websocket.Dialer
}

// NewRealtimeFeed creates a RealtimeFeed.
func NewRealtimeFeed(config RealtimeConfig) *RealtimeFeed {
	if config.ReconnectMin == 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax == 0 {
		config.ReconnectMax = time.Minute
	}
	return &RealtimeFeed{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Changes starts the subscription and returns the event channel.
func (f *RealtimeFeed) Changes(ctx context.Context) (<-chan ChangeEvent, error) {
	events := make(chan ChangeEvent, 64)
	go f.run(ctx, events)
	return events, nil
}

func (f *RealtimeFeed) run(ctx context.Context, events chan<- ChangeEvent) {
	defer close(events)

	delay := f.config.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := f.dial(ctx)
		if err != nil {
			logging.Warn("realtime feed connect failed, retrying",
				map[string]interface{}{"delay": delay.String(), "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > f.config.ReconnectMax {
				delay = f.config.ReconnectMax
			}
			continue
		}

		delay = f.config.ReconnectMin
		f.readLoop(ctx, conn, events)
		conn.Close()
	}
}

func (f *RealtimeFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := map[string][]string{}
	if f.config.APIKey != "" {
		header["Authorization"] = []string{"Bearer " + f.config.APIKey}
	}
	conn, _, err := f.dialer.DialContext(ctx, f.config.URL, header)
	return conn, err
}

// readLoop delivers events until the connection drops or ctx is cancelled.
func (f *RealtimeFeed) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- ChangeEvent) {
	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn("realtime feed disconnected", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			logging.Warn("dropping malformed change event", map[string]interface{}{"error": err.Error()})
			continue
		}
		if !event.Table.Valid() {
			logging.Warn("dropping change event for unknown table",
				map[string]interface{}{"table": string(event.Table)})
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}
