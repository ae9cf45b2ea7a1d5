// Package ingest es el loop de ingestión: enruta cada mensaje crudo a
// la goroutine de su impresora, que normaliza, sigue el consumo de
// filamento y entrega los eventos a persistencia y broadcast.
//
// Cada impresora tiene su propia cola y su propia goroutine: los
// mensajes de una impresora se procesan en orden y una impresora lenta
// no frena a las demás.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaavedra/filament-agent/pkg/clock"
	"github.com/asaavedra/filament-agent/pkg/eta"
	"github.com/asaavedra/filament-agent/pkg/normalizer"
	"github.com/asaavedra/filament-agent/pkg/sink"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
	"github.com/asaavedra/filament-agent/pkg/transport"
)

// ErrClosed se retorna al despachar sobre un Dispatcher apagado.
var ErrClosed = errors.New("ingest: dispatcher closed")

// Config ajusta el loop de ingestión.
type Config struct {
	QueueSize     int            `yaml:"queue_size"`     // mensajes en cola por impresora
	ShutdownGrace time.Duration  `yaml:"shutdown_grace"` // tiempo para vaciar sesiones al apagar
	ETAWindow     int            `yaml:"eta_window"`
	Tracker       tracker.Config `yaml:"tracker"`
}

// DefaultConfig retorna la configuración por defecto.
func DefaultConfig() Config {
	return Config{
		QueueSize:     64,
		ShutdownGrace: 10 * time.Second,
		ETAWindow:     eta.DefaultWindow,
		Tracker:       tracker.Config{FallbackMMPerSecond: tracker.DefaultFallbackMMPerSecond},
	}
}

// Deps son los colaboradores del Dispatcher. Todos son opcionales;
// Persist y Broadcast nil desactivan esa salida.
type Deps struct {
	Mapper    *normalizer.Mapper
	Spools    tracker.SpoolResolver
	Builder   *telemetry.Builder
	Persist   sink.Sink
	Broadcast sink.Sink
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Stats son contadores acumulados del loop.
type Stats struct {
	Received       uint64 `json:"received"`
	Dropped        uint64 `json:"dropped"`
	Processed      uint64 `json:"processed"`
	Anomalies      uint64 `json:"anomalies"`
	UsageRecords   uint64 `json:"usage_records"`
	PersistErrors  uint64 `json:"persist_errors"`
	Disconnects    uint64 `json:"disconnects"`
	ActiveSessions int    `json:"active_sessions"`
}

type counters struct {
	received      atomic.Uint64
	dropped       atomic.Uint64
	processed     atomic.Uint64
	anomalies     atomic.Uint64
	usageRecords  atomic.Uint64
	persistErrors atomic.Uint64
	disconnects   atomic.Uint64
}

type worker struct {
	session *Session
	queue   chan transport.Message
	// closeAt y closeReason se fijan antes de cerrar queue
	closeAt     time.Time
	closeReason string
	// done se cierra cuando la sesión terminó de vaciarse
	done chan struct{}
	// prev es el worker anterior de la misma impresora, todavía cerrando
	prev *worker
}

// Dispatcher enruta mensajes a un worker por impresora.
type Dispatcher struct {
	cfg       Config
	mapper    *normalizer.Mapper
	spools    tracker.SpoolResolver
	builder   *telemetry.Builder
	persist   sink.Sink
	broadcast sink.Sink
	clock     clock.Clock
	logger    *slog.Logger

	// persistCtx sobrevive al contexto de Run: al apagar, las sesiones
	// todavía entregan sus registros finales. Se cancela al vencer el
	// período de gracia y los sinks terminan en el spool.
	persistCtx    context.Context
	cancelPersist context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closing map[string]*worker // último worker cerrándose por impresora
	closed  bool
	wg      sync.WaitGroup

	stats counters
}

// New crea un Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.ETAWindow <= 0 {
		cfg.ETAWindow = def.ETAWindow
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Mapper == nil {
		deps.Mapper = normalizer.Default()
	}
	if deps.Spools == nil {
		// Sin inventario cada slot usa un spool sintético
		registry, _ := spool.NewRegistry("", deps.Logger)
		deps.Spools = registry
	}
	if deps.Builder == nil {
		deps.Builder = telemetry.NewBuilder(telemetry.DetectSource("", "dev"))
	}

	persistCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:           cfg,
		mapper:        deps.Mapper,
		spools:        deps.Spools,
		builder:       deps.Builder,
		persist:       deps.Persist,
		broadcast:     deps.Broadcast,
		clock:         deps.Clock,
		logger:        deps.Logger,
		persistCtx:    persistCtx,
		cancelPersist: cancel,
		workers:       make(map[string]*worker),
		closing:       make(map[string]*worker),
	}
}

// Run consume in hasta que se cierra o ctx se cancela, y luego apaga el
// Dispatcher vaciando todas las sesiones.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return d.Shutdown()
		case msg, ok := <-in:
			if !ok {
				return d.Shutdown()
			}
			if err := d.Dispatch(msg); err != nil {
				return err
			}
		}
	}
}

// Dispatch encola msg en el worker de su impresora sin bloquear. Si la
// cola está llena el mensaje se descarta: el consumo se calcula sobre
// totales acumulados y el siguiente reporte lo recupera. Los Disconnect
// nunca se descartan.
func (d *Dispatcher) Dispatch(msg transport.Message) error {
	d.stats.received.Add(1)

	if msg.Disconnect {
		d.stats.disconnects.Add(1)
		if msg.PrinterID == "" {
			d.closeSource(msg.Source, msg.ReceivedAt, msg.Reason)
			return nil
		}
		d.Close(msg.PrinterID, msg.ReceivedAt, msg.Reason)
		return nil
	}

	if msg.PrinterID == "" {
		d.stats.dropped.Add(1)
		d.logger.Warn("message without printer id dropped", "source", msg.Source)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	w, ok := d.workers[msg.PrinterID]
	if !ok {
		w = d.startWorkerLocked(msg.PrinterID, msg.Source)
	}

	select {
	case w.queue <- msg:
	default:
		d.stats.dropped.Add(1)
		d.logger.Warn("printer queue full, message dropped", "printer", msg.PrinterID, "queue", d.cfg.QueueSize)
	}
	return nil
}

func (d *Dispatcher) startWorkerLocked(printerID, source string) *worker {
	w := &worker{
		session: newSession(d, printerID, source),
		queue:   make(chan transport.Message, d.cfg.QueueSize),
		done:    make(chan struct{}),
		prev:    d.closing[printerID],
	}
	d.workers[printerID] = w

	d.wg.Add(1)
	go d.runWorker(w)

	d.logger.Info("session opened", "printer", printerID, "source", source)
	return w
}

// runWorker procesa la cola en orden. Si la impresora tenía un worker
// cerrándose, espera a que termine de vaciarse: nunca hay dos sesiones
// de la misma impresora procesando a la vez. Al cerrarse la cola, la
// sesión se vacía. Un panic se aísla a esa impresora.
func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()
	defer d.finishWorker(w)

	if w.prev != nil {
		<-w.prev.done
		w.prev = nil
	}

	for msg := range w.queue {
		d.safeHandle(w.session, msg)
	}
	d.safeClose(w.session, w.closeAt, w.closeReason)
	d.logger.Info("session closed", "printer", w.session.printerID, "reason", w.closeReason)
}

func (d *Dispatcher) finishWorker(w *worker) {
	d.mu.Lock()
	if d.closing[w.session.printerID] == w {
		delete(d.closing, w.session.printerID)
	}
	d.mu.Unlock()
	close(w.done)
}

func (d *Dispatcher) safeHandle(s *Session, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handling panicked", "printer", s.printerID, "panic", r)
		}
	}()
	s.handle(msg)
}

func (d *Dispatcher) safeClose(s *Session, at time.Time, reason string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("session flush panicked", "printer", s.printerID, "panic", r)
		}
	}()
	s.close(at, reason)
}

// Close cierra la sesión de una impresora: los mensajes ya encolados se
// procesan y luego el registro abierto se finaliza con at.
func (d *Dispatcher) Close(printerID string, at time.Time, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked(printerID, at, reason)
}

func (d *Dispatcher) closeLocked(printerID string, at time.Time, reason string) {
	w, ok := d.workers[printerID]
	if !ok {
		return
	}
	if reason == "" {
		reason = "closed"
	}
	w.closeAt = at
	w.closeReason = reason
	delete(d.workers, printerID)
	d.closing[printerID] = w
	close(w.queue)
}

func (d *Dispatcher) closeSource(source string, at time.Time, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, w := range d.workers {
		if w.session.source == source {
			d.closeLocked(id, at, reason)
		}
	}
	d.logger.Warn("transport disconnected, sessions closed", "source", source, "reason", reason)
}

// Shutdown cierra todas las sesiones y espera a que se vacíen, hasta el
// período de gracia. Llamadas repetidas no hacen nada.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id := range d.workers {
		d.closeLocked(id, time.Time{}, "shutdown")
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-d.clock.After(d.cfg.ShutdownGrace):
		// Los sinks reciben contexto cancelado y derivan al spool
		d.logger.Warn("shutdown grace expired, cancelling persistence", "grace", d.cfg.ShutdownGrace)
		d.cancelPersist()
		<-done
	}
	d.cancelPersist()
	return nil
}

// Sessions retorna las sesiones abiertas ordenadas por impresora.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.workers))
	for _, w := range d.workers {
		sessions = append(sessions, w.session)
	}
	d.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PrinterID < infos[j].PrinterID })
	return infos
}

// Stats retorna una copia de los contadores.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	active := len(d.workers)
	d.mu.Unlock()

	return Stats{
		Received:       d.stats.received.Load(),
		Dropped:        d.stats.dropped.Load(),
		Processed:      d.stats.processed.Load(),
		Anomalies:      d.stats.anomalies.Load(),
		UsageRecords:   d.stats.usageRecords.Load(),
		PersistErrors:  d.stats.persistErrors.Load(),
		Disconnects:    d.stats.disconnects.Load(),
		ActiveSessions: active,
	}
}
