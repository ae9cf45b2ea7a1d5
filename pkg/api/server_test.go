package api

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/asaavedra/filament-agent/pkg/broadcast"
	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/store"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

func newTestServer(t *testing.T) (*httptest.Server, *broadcast.Bus, *store.Store) {
	t.Helper()
	bus := broadcast.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := NewServer(":0", bus, st, nil, telemetry.AgentSource{AgentID: "AGT-TEST", Version: "test"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus, st
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d (%s), want %d", url, resp.StatusCode, body, want)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body map[string]any
	getJSON(t, ts.URL+"/health", http.StatusOK, &body)
	if body["status"] != "ok" || body["agent_id"] != "AGT-TEST" {
		t.Fatalf("health = %v", body)
	}
}

func TestPrinterLiveAndPersisted(t *testing.T) {
	ts, bus, st := newTestServer(t)

	live := canonical.State{PrinterID: "x1c", Vendor: "bambu", Lifecycle: canonical.LifecyclePrinting, ObservedAt: time.Unix(100, 0).UTC()}
	bus.Publish(&telemetry.Event{Kind: telemetry.KindSnapshot, PrinterID: "x1c", Snapshot: &live})
	st.PutSnapshot(canonical.State{PrinterID: "mk4", Lifecycle: canonical.LifecycleIdle, ObservedAt: time.Unix(50, 0)})

	var printers []canonical.State
	getJSON(t, ts.URL+"/api/v1/printers", http.StatusOK, &printers)
	if len(printers) != 1 || printers[0].PrinterID != "x1c" {
		t.Fatalf("printers = %+v", printers)
	}

	var got canonical.State
	getJSON(t, ts.URL+"/api/v1/printers/x1c", http.StatusOK, &got)
	if got.Lifecycle != canonical.LifecyclePrinting {
		t.Fatalf("x1c = %+v", got)
	}
	getJSON(t, ts.URL+"/api/v1/printers/mk4", http.StatusOK, &got)
	if got.Lifecycle != canonical.LifecycleIdle {
		t.Fatalf("mk4 = %+v", got)
	}
	getJSON(t, ts.URL+"/api/v1/printers/nope", http.StatusNotFound, nil)
}

func TestUsageEndpoints(t *testing.T) {
	ts, _, st := newTestServer(t)
	st.SeedSpool(spool.Spool{ID: "pla", Material: "PLA", RemainingGrams: 1000})
	for i, grams := range []float64{10, 5} {
		st.PutUsage(tracker.UsageRecord{
			PrinterID: "x1c", JobID: "j1", SpoolID: "pla", LengthMM: grams * 100, WeightGrams: grams,
			StartedAt: time.Unix(int64(i*100), 0), EndedAt: time.Unix(int64(i*100+50), 0),
		})
	}

	var usage usageResponse
	getJSON(t, ts.URL+"/api/v1/printers/x1c/usage", http.StatusOK, &usage)
	if len(usage.Records) != 2 || usage.TotalGrams != 15 || usage.BySpool["pla"] != 15 {
		t.Fatalf("usage = %+v", usage)
	}

	getJSON(t, ts.URL+"/api/v1/printers/x1c/usage?from="+time.Unix(100, 0).UTC().Format(time.RFC3339), http.StatusOK, &usage)
	if len(usage.Records) != 1 {
		t.Fatalf("windowed usage = %+v", usage)
	}
	getJSON(t, ts.URL+"/api/v1/printers/x1c/usage?from=yesterday", http.StatusBadRequest, nil)

	getJSON(t, ts.URL+"/api/v1/jobs/j1/usage", http.StatusOK, &usage)
	if usage.JobID != "j1" || usage.TotalMM != 1500 {
		t.Fatalf("job usage = %+v", usage)
	}

	var sp spoolResponse
	getJSON(t, ts.URL+"/api/v1/spools/pla", http.StatusOK, &sp)
	if sp.RemainingGrams != 985 || sp.RemainingMM <= 0 {
		t.Fatalf("spool = %+v", sp)
	}
	if want := sp.LengthForGrams(985); sp.RemainingMM != want {
		t.Fatalf("remaining_mm = %v, want %v", sp.RemainingMM, want)
	}
	getJSON(t, ts.URL+"/api/v1/spools/missing", http.StatusNotFound, nil)
}

func TestStatusWithoutSessions(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var status statusResponse
	getJSON(t, ts.URL+"/api/v1/status", http.StatusOK, &status)
	if status.Agent.AgentID != "AGT-TEST" || status.Broadcast == nil || status.Ingest != nil {
		t.Fatalf("status = %+v", status)
	}
}

func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	ts, bus, _ := newTestServer(t)
	bus.Publish(&telemetry.Event{Kind: telemetry.KindSnapshot, PrinterID: "x1c",
		Snapshot: &canonical.State{PrinterID: "x1c", Lifecycle: canonical.LifecyclePrinting, ObservedAt: time.Unix(100, 0)}})

	resp, err := http.Get(ts.URL + "/api/v1/events?printer=x1c")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	// Primero el último estado conocido
	event, data := readSSE(t, reader)
	var initial telemetry.Event
	if err := json.Unmarshal([]byte(data), &initial); err != nil || event != "snapshot" || initial.Snapshot == nil || initial.Snapshot.PrinterID != "x1c" {
		t.Fatalf("initial event %q %s (%v)", event, data, err)
	}
	if n := len(bus.Stats().Subscribers); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}

	// Eventos de otra impresora se filtran
	bus.Publish(&telemetry.Event{Kind: telemetry.KindSnapshot, PrinterID: "mk4",
		Snapshot: &canonical.State{PrinterID: "mk4", ObservedAt: time.Unix(100, 0)}})
	bus.Publish(&telemetry.Event{Kind: telemetry.KindUsage, PrinterID: "x1c", EventID: "ev-1",
		Usage: &tracker.UsageRecord{PrinterID: "x1c", JobID: "j1", SpoolID: "pla", LengthMM: 10}})

	event, data = readSSE(t, reader)
	var ev telemetry.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil || event != "usage" || ev.Usage.JobID != "j1" {
		t.Fatalf("event %q %s (%v)", event, data, err)
	}
}
