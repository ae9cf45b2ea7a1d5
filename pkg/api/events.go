package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

// streamBuffer es la cola por cliente. Un cliente lento pierde eventos
// (el bus descarta) pero nunca frena la ingestión.
const streamBuffer = 32

// streamEvents publica los eventos del bus como Server-Sent Events.
// ?printer= filtra por impresora y ?kind= por tipo (snapshot, usage).
// Al conectar se envía el último snapshot conocido de cada impresora,
// con el mismo sobre que los eventos en vivo.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusServiceUnavailable, "live state not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	printer := r.URL.Query().Get("printer")
	kind := telemetry.Kind(r.URL.Query().Get("kind"))

	id := "sse-" + uuid.NewString()
	events := make(chan *telemetry.Event, streamBuffer)
	if err := s.live.Subscribe(id, events); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.live.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if kind == "" || kind == telemetry.KindSnapshot {
		for _, st := range s.live.All() {
			if printer != "" && st.PrinterID != printer {
				continue
			}
			ev := &telemetry.Event{
				SchemaVersion: telemetry.SchemaVersion,
				Kind:          telemetry.KindSnapshot,
				PrinterID:     st.PrinterID,
				CollectedAt:   st.ObservedAt,
				Source:        s.source,
				Snapshot:      &st,
			}
			if err := writeSSE(w, string(ev.Kind), ev); err != nil {
				return
			}
		}
	}
	flusher.Flush()

	s.logger.Debug("event stream opened", "subscriber", id, "printer", printer)
	defer s.logger.Debug("event stream closed", "subscriber", id)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopping:
			return
		case ev := <-events:
			if printer != "" && ev.PrinterID != printer {
				continue
			}
			if kind != "" && ev.Kind != kind {
				continue
			}
			if err := writeSSE(w, string(ev.Kind), ev); err != nil {
				s.logger.Debug("client disconnected during event stream", "subscriber", id)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
