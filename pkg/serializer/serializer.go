package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

// Serializer convierte un Event a JSON bytes
// Responsabilidad ÚNICA: Marshall a JSON
// NO escribe a disco, NO decide destino
type Serializer struct {
	indent bool
}

// NewSerializer crea un serializador con indentación legible (spool en
// disco, depuración)
func NewSerializer() *Serializer {
	return &Serializer{indent: true}
}

// NewCompactSerializer crea un serializador sin indentación (HTTP)
func NewCompactSerializer() *Serializer {
	return &Serializer{}
}

// Serialize convierte un Event a JSON bytes
// Retorna el JSON sin procesar, listo para ser enviado a un Sink
func (s *Serializer) Serialize(ev *telemetry.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("event cannot be nil")
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	// No escapear HTML para que "&" se vea como "&" y no como "\u0026"
	encoder.SetEscapeHTML(false)

	if s.indent {
		// Indentación de 2 espacios para legibilidad
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(ev); err != nil {
		return nil, fmt.Errorf("failed to serialize telemetry: %w", err)
	}

	// Encode agrega un newline final, lo removemos
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	return data, nil
}

// Deserialize reconstruye un Event desde JSON (reenvío del spool)
func (s *Serializer) Deserialize(data []byte) (*telemetry.Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty event data")
	}

	var ev telemetry.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to deserialize telemetry: %w", err)
	}
	return &ev, nil
}
