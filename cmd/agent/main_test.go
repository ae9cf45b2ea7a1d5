package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/asaavedra/filament-agent/pkg/clock"
	"github.com/asaavedra/filament-agent/pkg/sink"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/store"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

// Un registro de consumo que el store no puede guardar queda en el spool
// local y se aplica al volver la base.
func TestStoreFailureSpoolsAndReplays(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.Sinks.Store.Path = filepath.Join(dir, "agent.db")
	cfg.Sinks.File.Path = filepath.Join(dir, "queue")
	cfg.Sinks.Retry = sink.RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second}

	db, err := store.Open(cfg.Sinks.Store.Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.SeedSpool(spool.Spool{ID: "pla", Material: "PLA", RemainingGrams: 100}); err != nil {
		t.Fatalf("SeedSpool: %v", err)
	}
	persist, _, err := buildPersistence(cfg, db, clock.Real(), logger)
	if err != nil {
		t.Fatalf("buildPersistence: %v", err)
	}

	ev, err := telemetry.NewBuilder(telemetry.AgentSource{AgentID: "AGT-TEST"}).Usage(tracker.UsageRecord{
		ID: "rec-1", PrinterID: "x1c", JobID: "j1", SpoolID: "pla", LengthMM: 1000, WeightGrams: 3,
		StartedAt: time.Unix(0, 0), EndedAt: time.Unix(60, 0),
	})
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}

	// Base cerrada: el write falla y el registro va al spool
	db.Close()
	if err := persist.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write should spool, got %v", err)
	}

	db, err = store.Open(cfg.Sinks.Store.Path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	spoolDir, err := sink.NewFileSink(filepath.Join(cfg.Sinks.File.Path, "store"), logger)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	replaySpools(context.Background(), []spooled{{spool: spoolDir, dst: db}}, logger)

	records, err := db.UsageByJob("j1")
	if err != nil || len(records) != 1 {
		t.Fatalf("records = %v, %v", records, err)
	}
	if remaining, _ := db.Remaining("pla"); remaining != 97 {
		t.Fatalf("remaining = %v, want 97", remaining)
	}
	if pending, _ := spoolDir.Pending(); len(pending) != 0 {
		t.Fatalf("pending = %v", pending)
	}
}
