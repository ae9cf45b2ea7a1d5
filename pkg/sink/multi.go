package sink

import (
	"context"
	"errors"

	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

// Multi escribe cada evento en todos los sinks. Un sink que falla no
// impide que los demás reciban el evento.
type Multi []Sink

// Write entrega ev a cada sink y une los errores.
func (m Multi) Write(ctx context.Context, ev *telemetry.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close cierra todos los sinks.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
