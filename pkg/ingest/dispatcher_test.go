package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/clock"
	"github.com/asaavedra/filament-agent/pkg/sink"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/transport"
)

var t0 = time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (s *recordingSink) Write(_ context.Context, ev *telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) byKind(kind telemetry.Kind) []*telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*telemetry.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newDispatcher(t *testing.T, persist, broadcast sink.Sink) *Dispatcher {
	t.Helper()
	d := New(Config{}, Deps{
		Builder:   telemetry.NewBuilder(telemetry.AgentSource{AgentID: "AGT-TEST"}),
		Persist:   persist,
		Broadcast: broadcast,
		Clock:     clock.Fake(t0),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func genericMsg(printer string, sec int, payload map[string]any) transport.Message {
	return transport.Message{
		Source:     "test",
		PrinterID:  printer,
		Vendor:     "generic",
		Payload:    payload,
		ReceivedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func job(state string, progress float64) map[string]any {
	return map[string]any{"state": state, "job_id": "j1", "progress": progress, "filament_total_mm": 1000.0}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherTracksJobEndToEnd(t *testing.T) {
	persist, live := &recordingSink{}, &recordingSink{}
	d := newDispatcher(t, persist, live)

	for _, msg := range []transport.Message{
		genericMsg("p1", 0, job("printing", 0.10)),
		genericMsg("p1", 100, job("printing", 0.30)),
		genericMsg("p1", 200, job("finished", 1.0)),
	} {
		if err := d.Dispatch(msg); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	snapshots := persist.byKind(telemetry.KindSnapshot)
	if len(snapshots) != 3 {
		t.Fatalf("snapshots = %d", len(snapshots))
	}
	second := snapshots[1].Snapshot
	if second.RemainingSeconds == nil || math.Abs(*second.RemainingSeconds-350) > 1e-6 {
		t.Fatalf("remaining = %v", second.RemainingSeconds)
	}
	if second.RemainingSource != canonical.RemainingFromEstimator {
		t.Fatalf("remaining source = %q", second.RemainingSource)
	}

	usage := persist.byKind(telemetry.KindUsage)
	if len(usage) != 1 {
		t.Fatalf("usage events = %d", len(usage))
	}
	record := usage[0].Usage
	if record.JobID != "j1" || math.Abs(record.LengthMM-900) > 1e-6 {
		t.Fatalf("record = %+v", record)
	}
	if record.EndedAt.Before(record.StartedAt) {
		t.Fatalf("ended %v before started %v", record.EndedAt, record.StartedAt)
	}
	if len(live.byKind(telemetry.KindUsage)) != 1 {
		t.Fatal("usage record not broadcast")
	}

	stats := d.Stats()
	if stats.Processed != 3 || stats.UsageRecords != 1 || stats.ActiveSessions != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestVendorETAWins(t *testing.T) {
	persist := &recordingSink{}
	d := newDispatcher(t, persist, nil)

	first := job("printing", 0.1)
	second := job("printing", 0.3)
	second["remaining_seconds"] = 42.0
	d.Dispatch(genericMsg("p1", 0, first))
	d.Dispatch(genericMsg("p1", 100, second))
	d.Shutdown()

	snapshots := persist.byKind(telemetry.KindSnapshot)
	st := snapshots[1].Snapshot
	if *st.RemainingSeconds != 42 || st.RemainingSource != canonical.RemainingFromVendor {
		t.Fatalf("remaining = %v (%s)", *st.RemainingSeconds, st.RemainingSource)
	}
}

func TestDisconnectFlushesOpenRecord(t *testing.T) {
	persist := &recordingSink{}
	d := newDispatcher(t, persist, nil)

	d.Dispatch(genericMsg("p1", 0, job("printing", 0.1)))
	d.Dispatch(genericMsg("p1", 100, job("printing", 0.5)))
	d.Dispatch(transport.Message{Source: "test", PrinterID: "p1", Disconnect: true, Reason: "timeout", ReceivedAt: t0.Add(300 * time.Second)})

	waitFor(t, func() bool { return len(persist.byKind(telemetry.KindUsage)) == 1 })

	record := persist.byKind(telemetry.KindUsage)[0].Usage
	if !record.EndedAt.Equal(t0.Add(300*time.Second)) || math.Abs(record.LengthMM-400) > 1e-6 {
		t.Fatalf("record = %+v", record)
	}
	waitFor(t, func() bool { return d.Stats().ActiveSessions == 0 })
	if d.Stats().Disconnects != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}

func TestSourceDisconnectClosesOnlyThatSource(t *testing.T) {
	d := newDispatcher(t, &recordingSink{}, nil)

	a := genericMsg("a", 0, job("printing", 0.1))
	b := genericMsg("b", 0, job("printing", 0.1))
	b.Source = "other"
	d.Dispatch(a)
	d.Dispatch(b)

	d.Dispatch(transport.Message{Source: "test", Disconnect: true, ReceivedAt: t0.Add(time.Minute)})

	waitFor(t, func() bool { return d.Stats().ActiveSessions == 1 })
	sessions := d.Sessions()
	if len(sessions) != 1 || sessions[0].PrinterID != "b" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

// blockingSink frena la primera escritura de p1 hasta que se libera.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	first   atomic.Bool
}

func (s *blockingSink) Write(_ context.Context, ev *telemetry.Event) error {
	if ev.PrinterID == "p1" && s.first.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestFullQueueDropsMessages(t *testing.T) {
	blocking := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	d := New(Config{QueueSize: 1}, Deps{
		Persist: blocking,
		Clock:   clock.Fake(t0),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	d.Dispatch(genericMsg("p1", 0, job("printing", 0.1)))
	<-blocking.entered

	d.Dispatch(genericMsg("p1", 1, job("printing", 0.2)))
	d.Dispatch(genericMsg("p1", 2, job("printing", 0.3)))

	if dropped := d.Stats().Dropped; dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}

	// Otra impresora no se ve afectada
	d.Dispatch(genericMsg("p2", 0, job("printing", 0.1)))
	waitFor(t, func() bool { return d.Stats().Processed == 1 })

	close(blocking.release)
	d.Shutdown()
	if d.Stats().Processed != 3 {
		t.Fatalf("processed = %d", d.Stats().Processed)
	}
}

func TestVendorDetectionAndAnomalies(t *testing.T) {
	persist := &recordingSink{}
	d := newDispatcher(t, persist, nil)

	d.Dispatch(transport.Message{Source: "test", PrinterID: "x1c", ReceivedAt: t0,
		Payload: map[string]any{"print": map[string]any{"gcode_state": "IDLE"}}})
	d.Dispatch(transport.Message{Source: "test", PrinterID: "mystery", Vendor: "UNKNOWN", ReceivedAt: t0,
		Payload: map[string]any{"foo": "bar"}})
	d.Shutdown()

	vendors := map[string]string{}
	for _, ev := range persist.byKind(telemetry.KindSnapshot) {
		vendors[ev.PrinterID] = ev.Snapshot.Vendor
	}
	if vendors["x1c"] != "bambu" || vendors["mystery"] != "unknown" {
		t.Fatalf("vendors = %v", vendors)
	}
	if d.Stats().Anomalies != 1 {
		t.Fatalf("anomalies = %d", d.Stats().Anomalies)
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	d := newDispatcher(t, nil, nil)
	d.Shutdown()
	if err := d.Dispatch(genericMsg("p1", 0, job("printing", 0.1))); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	persist := &recordingSink{}
	d := newDispatcher(t, persist, nil)

	in := make(chan transport.Message)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, in) }()

	in <- genericMsg("p1", 0, job("printing", 0.1))
	in <- genericMsg("p1", 50, job("printing", 0.2))
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	// El apagado vacía el trabajo abierto
	if len(persist.byKind(telemetry.KindUsage)) != 1 {
		t.Fatalf("usage = %d", len(persist.byKind(telemetry.KindUsage)))
	}
}

// slowSink registra cuántas escrituras de cada impresora están en curso
// a la vez.
type slowSink struct {
	recordingSink
	delay    time.Duration
	inflight sync.Map // printer -> *atomic.Int32
	maxSeen  atomic.Int32
}

func (s *slowSink) Write(ctx context.Context, ev *telemetry.Event) error {
	v, _ := s.inflight.LoadOrStore(ev.PrinterID, new(atomic.Int32))
	n := v.(*atomic.Int32).Add(1)
	defer v.(*atomic.Int32).Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return s.recordingSink.Write(ctx, ev)
}

func TestReopenedSessionWaitsForPreviousFlush(t *testing.T) {
	slow := &slowSink{delay: 20 * time.Millisecond}
	d := newDispatcher(t, slow, nil)

	d.Dispatch(genericMsg("p1", 0, job("printing", 0.1)))
	d.Dispatch(genericMsg("p1", 100, job("printing", 0.5)))
	d.Close("p1", t0.Add(150*time.Second), "reconnect")

	next := job("printing", 0.6)
	next["job_id"] = "j2"
	d.Dispatch(genericMsg("p1", 200, next))
	d.Shutdown()

	if got := slow.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent writes for p1 = %d, want 1", got)
	}

	// El flush del primer trabajo llega antes que el snapshot del nuevo
	slow.mu.Lock()
	defer slow.mu.Unlock()
	flushed, reopened := -1, -1
	for i, ev := range slow.events {
		if ev.Kind == telemetry.KindUsage && ev.Usage.JobID == "j1" {
			flushed = i
		}
		if ev.Kind == telemetry.KindSnapshot && ev.Snapshot.JobID == "j2" && reopened < 0 {
			reopened = i
		}
	}
	if flushed < 0 || reopened < 0 || flushed > reopened {
		t.Fatalf("flush at %d, new session snapshot at %d", flushed, reopened)
	}
}

type panickingSink struct{}

func (panickingSink) Write(context.Context, *telemetry.Event) error { panic("observer bug") }
func (panickingSink) Close() error                                  { return nil }

func TestBroadcastFailureDoesNotSkipPersistence(t *testing.T) {
	persist := &recordingSink{}
	d := newDispatcher(t, persist, panickingSink{})

	d.Dispatch(genericMsg("p1", 0, job("printing", 0.1)))
	d.Dispatch(genericMsg("p1", 100, job("printing", 0.5)))
	d.Dispatch(transport.Message{Source: "test", PrinterID: "p1", Disconnect: true, ReceivedAt: t0.Add(200 * time.Second)})
	d.Shutdown()

	if n := len(persist.byKind(telemetry.KindSnapshot)); n != 2 {
		t.Fatalf("snapshots = %d, want 2", n)
	}
	if n := len(persist.byKind(telemetry.KindUsage)); n != 1 {
		t.Fatalf("usage = %d, want 1", n)
	}
}

// downSink simula un endpoint caído que tarda en fallar.
type downSink struct {
	calls atomic.Int32
}

func (s *downSink) Write(context.Context, *telemetry.Event) error {
	s.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	return &sink.SinkError{Sink: "down", Err: errors.New("connection refused")}
}

func (s *downSink) Close() error { return nil }

func TestRemoteOutageSpoolsWithoutDropping(t *testing.T) {
	remote := &downSink{}
	spooled := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persist := sink.NewRetrying(remote, spooled, sink.RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second}, clock.Real(), logger)

	d := New(Config{QueueSize: 32}, Deps{Persist: persist, Clock: clock.Fake(t0), Logger: logger})
	for i := 0; i < 20; i++ {
		d.Dispatch(genericMsg("p1", i*10, job("printing", 0.1+float64(i)*0.01)))
	}
	d.Dispatch(genericMsg("p1", 300, job("finished", 1.0)))
	d.Shutdown()

	stats := d.Stats()
	if stats.Dropped != 0 || stats.PersistErrors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	// Un intento para el primer snapshot y otro para el registro de consumo
	if calls := remote.calls.Load(); calls != 2 {
		t.Fatalf("remote calls = %d, want 2", calls)
	}
	if n := len(spooled.byKind(telemetry.KindSnapshot)); n != 21 {
		t.Fatalf("spooled snapshots = %d, want 21", n)
	}
	if n := len(spooled.byKind(telemetry.KindUsage)); n != 1 {
		t.Fatalf("spooled usage = %d, want 1", n)
	}
}
