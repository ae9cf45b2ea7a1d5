package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asaavedra/filament-agent/pkg/clock"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

// RetryPolicy controla los reintentos de Retrying.
type RetryPolicy struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // timeout por intento
	InitialBackoff time.Duration `yaml:"initial_backoff"` // primera espera
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // tope de la espera exponencial
	MaxAttempts    int           `yaml:"max_attempts"`    // intentos antes de ir al spool
}

// DefaultRetryPolicy retorna la política por defecto: 5 intentos,
// backoff 1s → 30s, 5s por intento.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AttemptTimeout: 5 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = def.MaxBackoff
		if p.MaxBackoff < p.InitialBackoff {
			p.MaxBackoff = p.InitialBackoff
		}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Retrying envuelve un Sink con reintentos acotados y un spool de
// respaldo. Un evento solo se pierde si el destino y el spool fallan.
//
// Los registros de consumo se reintentan con backoff. Los snapshots
// tienen un solo intento: mientras el destino está caído (hasta
// MaxBackoff después de la última falla) van directo al spool y no
// frenan al worker de la impresora.
type Retrying struct {
	next     Sink
	fallback Sink
	policy   RetryPolicy
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	downUntil time.Time
}

// NewRetrying crea el wrapper. fallback puede ser nil (sin spool).
func NewRetrying(next, fallback Sink, policy RetryPolicy, clk clock.Clock, logger *slog.Logger) *Retrying {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		next:     next,
		fallback: fallback,
		policy:   policy.withDefaults(),
		clock:    clk,
		logger:   logger,
	}
}

// Write intenta entregar ev. Los errores permanentes no se reintentan.
// Si el contexto se cancela, se agotan los intentos o el destino
// rechaza el evento, ev va al spool de respaldo.
func (r *Retrying) Write(ctx context.Context, ev *telemetry.Event) error {
	if ev.Kind == telemetry.KindSnapshot {
		return r.writeBestEffort(ctx, ev)
	}

	backoff := r.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.attempt(ctx, ev)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			// Rechazo permanente: no se reintenta; el replay lo pone en cuarentena
			break
		}
		if attempt == r.policy.MaxAttempts || ctx.Err() != nil {
			break
		}

		r.logger.Debug("sink write failed, backing off",
			"printer", ev.PrinterID, "event", ev.EventID, "attempt", attempt, "backoff", backoff, "err", err)

		select {
		case <-r.clock.After(backoff):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		backoff *= 2
		if backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}

	return r.spool(ev, lastErr)
}

func (r *Retrying) writeBestEffort(ctx context.Context, ev *telemetry.Event) error {
	if r.isDown() {
		return r.spool(ev, ErrSinkUnavailable)
	}
	if err := r.attempt(ctx, ev); err != nil {
		return r.spool(ev, err)
	}
	return nil
}

// attempt hace un intento con timeout y actualiza el estado del destino.
func (r *Retrying) attempt(ctx context.Context, ev *telemetry.Event) error {
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	err := r.next.Write(attemptCtx, ev)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == nil:
		r.downUntil = time.Time{}
	case IsRetryable(err):
		r.downUntil = r.clock.Now().Add(r.policy.MaxBackoff)
	}
	return err
}

func (r *Retrying) isDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.downUntil.IsZero() && r.clock.Now().Before(r.downUntil)
}

func (r *Retrying) spool(ev *telemetry.Event, cause error) error {
	if r.fallback == nil {
		return &SinkError{Sink: "retry", Operation: "write", Err: fmt.Errorf("%w: %v", ErrSinkUnavailable, cause), PrinterID: ev.PrinterID}
	}

	// El spool usa su propio contexto: en shutdown el contexto del
	// llamador ya está cancelado y el evento igual debe guardarse
	spoolCtx, cancel := context.WithTimeout(context.Background(), r.policy.AttemptTimeout)
	defer cancel()
	if err := r.fallback.Write(spoolCtx, ev); err != nil {
		r.logger.Error("event lost: sink and spool failed",
			"printer", ev.PrinterID, "event", ev.EventID, "kind", ev.Kind, "err", err, "cause", cause)
		return &SinkError{Sink: "retry", Operation: "spool", Err: fmt.Errorf("%w: %v (cause: %v)", ErrSinkUnavailable, err, cause), PrinterID: ev.PrinterID}
	}

	level := slog.LevelWarn
	if ev.Kind == telemetry.KindSnapshot {
		level = slog.LevelDebug
	}
	r.logger.Log(context.Background(), level, "event spooled after failed delivery",
		"printer", ev.PrinterID, "event", ev.EventID, "kind", ev.Kind, "cause", cause)
	return nil
}

// Close cierra el destino y el spool.
func (r *Retrying) Close() error {
	err := r.next.Close()
	if r.fallback != nil {
		if ferr := r.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
