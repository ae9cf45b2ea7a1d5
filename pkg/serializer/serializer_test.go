package serializer

import (
	"strings"
	"testing"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

func TestSerializeDoesNotEscapeHTML(t *testing.T) {
	b := telemetry.NewBuilder(telemetry.AgentSource{AgentID: "AGT-1"})
	st := canonical.State{
		PrinterID:  "p1",
		JobName:    "brackets & hinges <v2>",
		ObservedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Extra:      canonical.Extras{"count": canonical.IntValue(3)},
	}
	ev, err := b.Snapshot(st)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	data, err := NewCompactSerializer().Serialize(ev)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(data), "brackets & hinges <v2>") {
		t.Fatalf("HTML escaped: %s", data)
	}
	if strings.HasSuffix(string(data), "\n") || strings.Contains(string(data), "\n") {
		t.Fatalf("compact output has newlines: %q", data)
	}

	back, err := NewSerializer().Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if back.EventID != ev.EventID || back.Snapshot.JobName != st.JobName {
		t.Fatalf("round trip = %+v", back)
	}
	if got, _ := back.Snapshot.Extra["count"].AsInt(); got != 3 {
		t.Fatalf("extra count = %v", back.Snapshot.Extra["count"])
	}
}

func TestSerializeNil(t *testing.T) {
	if _, err := NewSerializer().Serialize(nil); err == nil {
		t.Fatal("nil event accepted")
	}
}
