package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

// Sink es la interfaz abstracta para "dónde va el evento"
// Diferentes implementaciones pueden escribir a:
// - Disco local (spool comprimido)
// - HTTP (cloud)
// - Store local (bolt)
// Todas deben ser idempotentes sobre Event.Key.
type Sink interface {
	// Write entrega el evento a su destino
	// Retorna error si no puede escribir
	Write(ctx context.Context, ev *telemetry.Event) error

	// Close cierra recursos (conexiones, archivos, etc)
	Close() error
}

// ErrSinkUnavailable indica que el evento no pudo entregarse ni al
// destino ni al spool de respaldo.
var ErrSinkUnavailable = errors.New("sink unavailable")

// SinkError es un error personalizado que incluye contexto
type SinkError struct {
	Sink      string // nombre del sink (http, file, etc)
	Operation string // operación que falló (write, connect, etc)
	Err       error  // error subyacente
	PrinterID string // ID de la impresora que causó el error
	Permanent bool   // el destino rechazó el evento; reintentar no sirve
}

// Error implementa la interfaz error
func (se *SinkError) Error() string {
	return fmt.Sprintf("[%s] %s failed for printer %s: %v", se.Sink, se.Operation, se.PrinterID, se.Err)
}

func (se *SinkError) Unwrap() error { return se.Err }

// IsRetryable indica si el error es recuperable (reintentos)
func (se *SinkError) IsRetryable() bool {
	// Los errores de red y de servidor son recuperables
	// Los rechazos de validación/auth no
	return se.Err != nil && !se.Permanent
}

// IsRetryable clasifica cualquier error de un sink. Los errores sin
// SinkError (timeouts, red) se consideran recuperables.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SinkError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return true
}
