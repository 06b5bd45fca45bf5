package bus

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(WithLogger(testLogger()))
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(TopicSyncCompleted, "test", func(ev Event) {
		got <- ev
	})

	b.Publish(TopicSyncCompleted, SyncStats{Created: 2})

	select {
	case ev := <-got:
		stats, ok := ev.Payload.(SyncStats)
		if !ok {
			t.Fatalf("payload type = %T, want SyncStats", ev.Payload)
		}
		if stats.Created != 2 {
			t.Errorf("Created = %d, want 2", stats.Created)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(WithLogger(testLogger()))
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		b.Subscribe(TopicRecordCreated, "fan", func(Event) { wg.Done() })
	}

	b.Publish(TopicRecordCreated, RecordEvent{Provider: "cloudflare"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := New(WithLogger(testLogger()))
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(TopicRecordDeleted, "test", func(ev Event) { got <- ev })

	b.Publish(TopicRecordCreated, RecordEvent{})

	select {
	case <-got:
		t.Fatal("subscriber received event for a different topic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(WithLogger(testLogger()))
	defer b.Close()

	got := make(chan Event, 8)
	unsub := b.Subscribe(TopicSettingsChanged, "test", func(ev Event) { got <- ev })
	unsub()
	unsub() // second call must be harmless

	b.Publish(TopicSettingsChanged, SettingsChanged{Key: "LOG_LEVEL"})

	select {
	case <-got:
		t.Fatal("unsubscribed handler received event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeAfterCloseIsHarmless(t *testing.T) {
	b := New(WithLogger(testLogger()))

	unsub := b.Subscribe(TopicHostnamesDiscovered, "test", func(Event) {})
	b.Close()
	unsub() // must not panic on the already-stopped subscriber
	b.Close()
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(WithLogger(testLogger()), WithQueueSize(2))
	defer b.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []int
	b.Subscribe(TopicRecordsUpdated, "slow", func(ev Event) {
		<-block
		mu.Lock()
		seen = append(seen, ev.Payload.(int))
		mu.Unlock()
	})

	// The handler blocks on the first event; the queue holds two more.
	// Publishing five total forces drops of the oldest queued entries.
	for i := 0; i < 5; i++ {
		b.Publish(TopicRecordsUpdated, i)
	}
	close(block)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivered %d events, want 3", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	last := seen[len(seen)-1]
	if last != 4 {
		t.Errorf("newest event = %d, want 4 (oldest should be dropped)", last)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(WithLogger(testLogger()), WithQueueSize(2))
	defer b.Close()

	block := make(chan struct{})
	defer close(block)
	b.Subscribe(TopicSyncCompleted, "stuck", func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicSyncCompleted, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
