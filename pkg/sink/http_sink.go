package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/asaavedra/filament-agent/pkg/serializer"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

// HTTPSink envía los eventos a un endpoint HTTP. Hace un solo intento
// por Write; los reintentos con backoff los maneja Retrying.
type HTTPSink struct {
	endpoint   string       // URL del endpoint (ej: https://cloud.example.com/api/v1/telemetry)
	authToken  string       // Bearer token para autenticación
	client     *http.Client // cliente HTTP con timeout
	serializer *serializer.Serializer
}

// HTTPSinkConfig configura un HTTPSink
type HTTPSinkConfig struct {
	Endpoint  string        // URL del endpoint
	AuthToken string        // Bearer token (opcional)
	Timeout   time.Duration // timeout HTTP
}

// NewHTTPSink crea un nuevo HTTP sink
func NewHTTPSink(config HTTPSinkConfig) *HTTPSink {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	client := &http.Client{
		Timeout: config.Timeout,
	}

	return &HTTPSink{
		endpoint:   config.Endpoint,
		authToken:  config.AuthToken,
		client:     client,
		serializer: serializer.NewCompactSerializer(),
	}
}

// Write envía el evento con POST. El header Idempotency-Key permite al
// backend descartar duplicados de entregas at-least-once.
func (hs *HTTPSink) Write(ctx context.Context, ev *telemetry.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}

	data, err := hs.serializer.Serialize(ev)
	if err != nil {
		return &SinkError{Sink: "http", Operation: "serialize", Err: err, PrinterID: ev.PrinterID, Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hs.endpoint, bytes.NewReader(data))
	if err != nil {
		return &SinkError{Sink: "http", Operation: "request", Err: err, PrinterID: ev.PrinterID, Permanent: true}
	}

	// Headers estándar
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Printer-ID", ev.PrinterID)
	req.Header.Set("X-Event-Kind", string(ev.Kind))
	req.Header.Set("Idempotency-Key", ev.EventID)

	// Autenticación si está configurada
	if hs.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", hs.authToken))
	}

	// Enviar solicitud
	resp, err := hs.client.Do(req)
	if err != nil {
		return &SinkError{Sink: "http", Operation: "write", Err: fmt.Errorf("http request failed: %w", err), PrinterID: ev.PrinterID}
	}
	defer resp.Body.Close()

	// Validar status code (2xx = éxito, 4xx = no reintentar, 5xx = reintentar)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	// Leer body para debugging
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	bodyStr := string(bodyBytes)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		// Error de cliente (400-499) → no reintentar
		return &SinkError{
			Sink:      "http",
			Operation: "write",
			Err:       fmt.Errorf("client error (HTTP %d): %s", resp.StatusCode, bodyStr),
			PrinterID: ev.PrinterID,
			Permanent: true,
		}
	}

	// Error de servidor (500+), 408 o 429 → reintentar
	return &SinkError{
		Sink:      "http",
		Operation: "write",
		Err:       fmt.Errorf("server error (HTTP %d): %s", resp.StatusCode, bodyStr),
		PrinterID: ev.PrinterID,
	}
}

// Close cierra el HTTPSink (no hay recursos especiales)
func (hs *HTTPSink) Close() error {
	hs.client.CloseIdleConnections()
	return nil
}
