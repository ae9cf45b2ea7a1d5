package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/detector"
	"github.com/asaavedra/filament-agent/pkg/eta"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
	"github.com/asaavedra/filament-agent/pkg/transport"
)

// SessionInfo es una vista de solo lectura de una sesión.
type SessionInfo struct {
	PrinterID  string              `json:"printer_id"`
	Source     string              `json:"source"`
	Vendor     string              `json:"vendor"`
	Lifecycle  canonical.Lifecycle `json:"lifecycle"`
	ActiveJob  string              `json:"active_job,omitempty"`
	ConsumedMM float64             `json:"consumed_mm"`
	LastSeen   time.Time           `json:"last_seen"`
	Messages   uint64              `json:"messages"`
}

// Session es el estado de ingestión de UNA impresora. Solo la usa la
// goroutine worker de esa impresora; info se protege para lecturas
// externas.
type Session struct {
	printerID string
	source    string
	d         *Dispatcher

	tracker   *tracker.Tracker
	estimator *eta.Estimator

	mu   sync.Mutex
	info SessionInfo
}

func newSession(d *Dispatcher, printerID, source string) *Session {
	return &Session{
		printerID: printerID,
		source:    source,
		d:         d,
		tracker:   tracker.New(printerID, d.cfg.Tracker, d.spools),
		estimator: eta.New(d.cfg.ETAWindow),
		info:      SessionInfo{PrinterID: printerID, Source: source},
	}
}

// Info retorna una copia del resumen de la sesión.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// handle procesa un mensaje: map → tracker → ETA → emit.
func (s *Session) handle(msg transport.Message) {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = s.d.clock.Now()
	}

	vendor := msg.Vendor
	if vendor == "" {
		vendor = detector.DetectVendor(msg.Payload)
	}

	res := s.d.mapper.Map(vendor, s.printerID, msg.Payload, at)
	s.report(res.Anomalies)

	up := s.tracker.Observe(res.State)
	s.report(up.Anomalies)

	st := s.fillETA(up.State)
	for _, delta := range up.Deltas {
		s.d.logger.Debug("filament delta",
			"printer", s.printerID, "job", delta.JobID, "spool", delta.SpoolID, "mm", delta.LengthMM)
	}

	// Los registros cerrados primero: son los que no pueden perderse
	s.emitUsage(up.Closed)
	s.emitSnapshot(st)

	job, _ := s.tracker.ActiveJob()
	s.mu.Lock()
	s.info.Vendor = st.Vendor
	s.info.Lifecycle = st.Lifecycle
	s.info.ActiveJob = job
	s.info.ConsumedMM = s.tracker.Consumed()
	s.info.LastSeen = at
	s.info.Messages++
	s.mu.Unlock()

	s.d.stats.processed.Add(1)
}

// fillETA completa el tiempo restante con el estimador cuando el vendor
// no lo reporta. El valor del vendor siempre gana.
func (s *Session) fillETA(st canonical.State) canonical.State {
	if st.JobID == "" || st.Progress == nil {
		if st.JobID == "" {
			s.estimator.Reset()
		}
		return st
	}

	s.estimator.Observe(st.JobID, st.ObservedAt, *st.Progress)
	if st.RemainingSeconds != nil || !st.Lifecycle.Active() {
		return st
	}
	if remaining := s.estimator.Remaining(*st.Progress); remaining != nil {
		return st.WithRemaining(*remaining, canonical.RemainingFromEstimator)
	}
	return st
}

// close vacía el registro abierto y entrega los registros finales.
func (s *Session) close(at time.Time, reason string) {
	if at.IsZero() {
		at = s.d.clock.Now()
	}
	up := s.tracker.Flush(at)
	if len(up.Closed) > 0 {
		s.d.logger.Info("session flushed",
			"printer", s.printerID, "reason", reason, "records", len(up.Closed))
	}
	s.emitUsage(up.Closed)
}

func (s *Session) emitSnapshot(st canonical.State) {
	ev, err := s.d.builder.Snapshot(st)
	if err != nil {
		s.d.logger.Warn("snapshot not emitted", "printer", s.printerID, "err", err)
		return
	}
	s.persist(ev)
	s.broadcast(ev)
}

func (s *Session) emitUsage(records []tracker.UsageRecord) {
	for _, record := range records {
		ev, err := s.d.builder.Usage(record)
		if err != nil {
			s.d.logger.Error("usage record not emitted", "printer", s.printerID, "record", record.ID, "err", err)
			continue
		}
		s.d.stats.usageRecords.Add(1)
		s.persist(ev)
		s.broadcast(ev)
	}
}

func (s *Session) persist(ev *telemetry.Event) {
	if s.d.persist == nil {
		return
	}
	if err := s.d.persist.Write(s.d.persistCtx, ev); err != nil {
		s.d.stats.persistErrors.Add(1)
		s.d.logger.Error("persist failed",
			"printer", s.printerID, "kind", ev.Kind, "event", ev.EventID, "err", err)
	}
}

func (s *Session) broadcast(ev *telemetry.Event) {
	if s.d.broadcast == nil {
		return
	}
	// Best-effort: el contexto no importa y un fallo no corta el resto
	// del procesamiento
	defer func() {
		if r := recover(); r != nil {
			s.d.logger.Error("broadcast panicked", "printer", s.printerID, "panic", r)
		}
	}()
	if err := s.d.broadcast.Write(context.Background(), ev); err != nil {
		s.d.logger.Debug("broadcast failed", "printer", s.printerID, "err", err)
	}
}

func (s *Session) report(anomalies []canonical.Anomaly) {
	for _, a := range anomalies {
		s.d.stats.anomalies.Add(1)
		s.d.logger.Warn("telemetry anomaly",
			slog.String("printer", a.PrinterID),
			slog.String("job", a.JobID),
			slog.String("kind", string(a.Kind)),
			slog.String("field", a.Field),
			slog.String("detail", a.Detail))
	}
}
