// Package bus provides the typed publish/subscribe primitive that decouples
// the sync components (network state, sync lifecycle, record changes).
package bus

import "sync"

// Event names published by the sync core.
const (
	EventOnline             = "online"
	EventOffline            = "offline"
	EventNetworkStateChange = "network.state-change"

	EventSyncStart       = "sync.start"
	EventSyncComplete    = "sync.complete"
	EventSyncError       = "sync.error"
	EventSyncStateChange = "sync.state-change"

	EventRecordChange      = "record.change"
	EventHydrationProgress = "hydration.progress"
)

// Handler receives the payload published with an event.
type Handler func(payload interface{})

// Bus is a minimal synchronous publish/subscribe hub. Delivery happens on
// the publisher's goroutine in subscription order; handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers handler for event and returns an unsubscribe func.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[event][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

// Publish delivers payload to every handler subscribed to event.
func (b *Bus) Publish(event string, payload interface{}) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}

// SubscriberCount returns the number of handlers registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
