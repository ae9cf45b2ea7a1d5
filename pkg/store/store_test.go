package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutUsageDebitsSpoolOnce(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedSpool(spool.Spool{ID: "pla-red", Material: "PLA", RemainingGrams: 1000}); err != nil {
		t.Fatalf("SeedSpool: %v", err)
	}

	record := tracker.UsageRecord{
		ID: "r1", PrinterID: "x1c", JobID: "job-1", SpoolID: "pla-red",
		LengthMM: 1000, WeightGrams: 2.98,
		StartedAt: time.Unix(100, 0), EndedAt: time.Unix(200, 0),
	}

	inserted, err := s.PutUsage(record)
	if err != nil || !inserted {
		t.Fatalf("PutUsage = %v, %v", inserted, err)
	}
	// Reentrega at-least-once: no duplica ni descuenta otra vez
	inserted, err = s.PutUsage(record)
	if err != nil || inserted {
		t.Fatalf("second PutUsage = %v, %v", inserted, err)
	}

	remaining, err := s.Remaining("pla-red")
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 1000-2.98 {
		t.Fatalf("remaining = %v", remaining)
	}

	records, err := s.UsageByJob("job-1")
	if err != nil || len(records) != 1 {
		t.Fatalf("UsageByJob = %v, %v", records, err)
	}
	if !records[0].EndedAt.Equal(record.EndedAt) || records[0].LengthMM != 1000 {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestSeedSpoolKeepsBalance(t *testing.T) {
	s := openTestStore(t)
	s.SeedSpool(spool.Spool{ID: "petg", Material: "PETG", RemainingGrams: 500})
	s.PutUsage(tracker.UsageRecord{JobID: "j", SpoolID: "petg", WeightGrams: 100, StartedAt: time.Unix(1, 0), EndedAt: time.Unix(2, 0)})

	// Reinicio del agente: la config vuelve a sembrar el spool
	if err := s.SeedSpool(spool.Spool{ID: "petg", Material: "PETG", Color: "black", RemainingGrams: 500}); err != nil {
		t.Fatalf("SeedSpool: %v", err)
	}
	sp, err := s.Spool("petg")
	if err != nil {
		t.Fatalf("Spool: %v", err)
	}
	if sp.RemainingGrams != 400 || sp.Color != "black" {
		t.Fatalf("spool = %+v", sp)
	}

	if _, err := s.Remaining("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUsageForUnknownSpool(t *testing.T) {
	s := openTestStore(t)
	inserted, err := s.PutUsage(tracker.UsageRecord{JobID: "j", SpoolID: "x1c/slot-0", WeightGrams: 5, EndedAt: time.Unix(2, 0)})
	if err != nil || !inserted {
		t.Fatalf("PutUsage = %v, %v", inserted, err)
	}
	if _, err := s.PutUsage(tracker.UsageRecord{JobID: "j"}); err == nil {
		t.Fatal("incomplete record accepted")
	}
}

func TestUsageByPrinterWindow(t *testing.T) {
	s := openTestStore(t)
	for i, printer := range []string{"a", "a", "b"} {
		s.PutUsage(tracker.UsageRecord{
			PrinterID: printer, JobID: "job", SpoolID: "s",
			StartedAt: time.Unix(int64(i*100), 0), EndedAt: time.Unix(int64(i*100+50), 0),
		})
	}

	all, err := s.UsageByPrinter("a", time.Time{}, time.Time{})
	if err != nil || len(all) != 2 {
		t.Fatalf("UsageByPrinter = %d, %v", len(all), err)
	}
	windowed, _ := s.UsageByPrinter("a", time.Unix(100, 0), time.Time{})
	if len(windowed) != 1 || !windowed[0].EndedAt.Equal(time.Unix(150, 0)) {
		t.Fatalf("windowed = %+v", windowed)
	}
}

func TestSnapshotsAreIdempotentAndOrdered(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		st := canonical.State{
			PrinterID:  "mk4",
			Vendor:     "prusalink",
			Lifecycle:  canonical.LifecyclePrinting,
			Progress:   canonical.Float(float64(i) / 10),
			ObservedAt: base.Add(time.Duration(i) * time.Second),
			Extra:      canonical.Extras{"fan": canonical.IntValue(int64(i))},
		}
		if _, err := s.PutSnapshot(st); err != nil {
			t.Fatalf("PutSnapshot: %v", err)
		}
	}
	s.PutSnapshot(canonical.State{PrinterID: "mk3", ObservedAt: base})
	s.PutSnapshot(canonical.State{PrinterID: "mk40", ObservedAt: base})

	dup, err := s.PutSnapshot(canonical.State{PrinterID: "mk4", ObservedAt: base})
	if err != nil || dup {
		t.Fatalf("duplicate snapshot = %v, %v", dup, err)
	}

	latest, err := s.LatestSnapshot("mk4")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if !latest.ObservedAt.Equal(base.Add(2*time.Second)) || latest.ProgressValue() != 0.2 {
		t.Fatalf("latest = %+v", latest)
	}
	if v, ok := latest.Extra.Get("fan"); !ok || v.Interface() != int64(2) {
		t.Fatalf("extras = %+v", latest.Extra)
	}

	if _, err := s.LatestSnapshot("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}

	printers, _ := s.Printers()
	if len(printers) != 3 || printers[0] != "mk3" || printers[1] != "mk4" || printers[2] != "mk40" {
		t.Fatalf("printers = %v", printers)
	}
}

func TestStoreAsSink(t *testing.T) {
	s := openTestStore(t)
	b := telemetry.NewBuilder(telemetry.AgentSource{AgentID: "AGT"})
	ev, _ := b.Snapshot(canonical.State{PrinterID: "x1c", ObservedAt: time.Unix(10, 0)})
	if err := s.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.LatestSnapshot("x1c"); err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if err := s.Write(context.Background(), &telemetry.Event{Kind: "bogus"}); err == nil {
		t.Fatal("unsupported event accepted")
	}
}
