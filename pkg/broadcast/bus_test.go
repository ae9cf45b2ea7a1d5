package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

func snapshot(printer string, at int64) *telemetry.Event {
	st := canonical.State{PrinterID: printer, ObservedAt: time.Unix(at, 0)}
	return &telemetry.Event{Kind: telemetry.KindSnapshot, PrinterID: printer, Snapshot: &st}
}

func TestPublishDropsForSlowSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	fast := make(chan *telemetry.Event, 10)
	slow := make(chan *telemetry.Event, 1)
	if err := bus.Subscribe("fast", fast); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Subscribe("slow", slow)

	for i := 0; i < 3; i++ {
		if err := bus.Publish(snapshot("x1c", int64(i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	stats := bus.Stats()
	if stats.TotalPublished != 3 || stats.TotalSent != 4 || stats.TotalDropped != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Subscribers["slow"].Dropped != 2 || stats.Subscribers["fast"].Sent != 3 {
		t.Fatalf("per subscriber = %+v", stats.Subscribers)
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New()
	ch := make(chan *telemetry.Event, 1)

	if err := bus.Subscribe("a", nil); !errors.Is(err, ErrNilChannel) {
		t.Fatalf("nil channel: %v", err)
	}
	bus.Subscribe("a", ch)
	if err := bus.Subscribe("a", ch); !errors.Is(err, ErrSubscriberExists) {
		t.Fatalf("duplicate: %v", err)
	}
	if err := bus.Unsubscribe("b"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("unknown: %v", err)
	}
	bus.Close()
	if err := bus.Publish(snapshot("x", 1)); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if err := bus.Subscribe("c", ch); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestLatestKeepsNewestSnapshot(t *testing.T) {
	bus := New()
	bus.Publish(snapshot("b", 20))
	bus.Publish(snapshot("a", 10))
	bus.Publish(snapshot("b", 5))

	st, ok := bus.Latest("b")
	if !ok || st.ObservedAt.Unix() != 20 {
		t.Fatalf("latest = %+v, %v", st, ok)
	}
	all := bus.All()
	if len(all) != 2 || all[0].PrinterID != "a" {
		t.Fatalf("all = %+v", all)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := New()
	ch := make(chan *telemetry.Event, 1000)
	bus.Subscribe("all", ch)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(snapshot(string(rune('a'+p)), int64(i)))
			}
		}(p)
	}
	wg.Wait()

	stats := bus.Stats()
	if stats.TotalPublished != 400 || stats.TotalSent+stats.TotalDropped != 400 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(bus.All()) != 4 {
		t.Fatalf("latest printers = %d", len(bus.All()))
	}
}
