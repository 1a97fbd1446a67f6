package bus

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()

	var got []interface{}
	b.Subscribe(EventSyncStart, func(payload interface{}) {
		got = append(got, payload)
	})
	b.Subscribe(EventSyncStart, func(payload interface{}) {
		got = append(got, payload)
	})

	b.Publish(EventSyncStart, 3)

	if len(got) != 2 {
		t.Fatalf("delivered %d times, want 2", len(got))
	}
	if got[0] != 3 || got[1] != 3 {
		t.Errorf("payloads = %v, want [3 3]", got)
	}
}

func TestPublishIgnoresOtherEvents(t *testing.T) {
	b := New()

	called := false
	b.Subscribe(EventOnline, func(interface{}) { called = true })
	b.Publish(EventOffline, nil)

	if called {
		t.Error("handler for online received an offline event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsub := b.Subscribe(EventRecordChange, func(interface{}) { calls++ })

	b.Publish(EventRecordChange, nil)
	unsub()
	b.Publish(EventRecordChange, nil)

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if n := b.SubscriberCount(EventRecordChange); n != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribe, want 0", n)
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := New()
	// Must not panic.
	b.Publish(EventSyncError, nil)
}
