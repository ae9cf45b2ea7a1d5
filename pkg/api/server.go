// Package api expone el estado en vivo y el consumo persistido por HTTP
// (solo lectura).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/asaavedra/filament-agent/pkg/broadcast"
	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/ingest"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/store"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

// LiveState es el estado en memoria (broadcast.Bus).
type LiveState interface {
	Latest(printerID string) (canonical.State, bool)
	All() []canonical.State
	Stats() broadcast.Stats
	Subscribe(id string, ch chan<- *telemetry.Event) error
	Unsubscribe(id string) error
}

// History son las consultas sobre el store persistido.
type History interface {
	LatestSnapshot(printerID string) (canonical.State, error)
	UsageByPrinter(printerID string, from, to time.Time) ([]tracker.UsageRecord, error)
	UsageByJob(jobID string) ([]tracker.UsageRecord, error)
	Spool(id string) (spool.Spool, error)
}

// Sessions es la vista del loop de ingestión.
type Sessions interface {
	Sessions() []ingest.SessionInfo
	Stats() ingest.Stats
}

// Server es el servidor HTTP. Cualquier dependencia puede ser nil; sus
// rutas responden 503.
type Server struct {
	live     LiveState
	history  History
	sessions Sessions
	source   telemetry.AgentSource
	started  time.Time
	logger   *slog.Logger

	router *mux.Router
	http   *http.Server

	// stopping corta los streams abiertos: Shutdown no espera conexiones
	// que nunca quedan ociosas
	stopping chan struct{}
	stopOnce sync.Once
}

// NewServer arma el router.
func NewServer(addr string, live LiveState, history History, sessions Sessions, source telemetry.AgentSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		live:     live,
		history:  history,
		sessions: sessions,
		source:   source,
		started:  time.Now(),
		logger:   logger,
		router:   mux.NewRouter(),
		stopping: make(chan struct{}),
	}

	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/status", s.statusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/events", s.streamEvents).Methods(http.MethodGet)

	// Printers
	s.router.HandleFunc("/api/v1/printers", s.listPrinters).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/printers/{id}", s.getPrinter).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/printers/{id}/usage", s.printerUsage).Methods(http.MethodGet)

	// Jobs / spools
	s.router.HandleFunc("/api/v1/jobs/{id}/usage", s.jobUsage).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/spools/{id}", s.getSpool).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler retorna el router (tests).
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe bloquea hasta Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown detiene el servidor.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopping) })
	return s.http.Shutdown(ctx)
}

// ====== HANDLERS ======

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"agent_id": s.source.AgentID,
		"version":  s.source.Version,
		"uptime_s": int64(time.Since(s.started).Seconds()),
	})
}

type statusResponse struct {
	Agent     telemetry.AgentSource `json:"agent"`
	Ingest    *ingest.Stats         `json:"ingest,omitempty"`
	Broadcast *broadcast.Stats      `json:"broadcast,omitempty"`
	Sessions  []ingest.SessionInfo  `json:"sessions,omitempty"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Agent: s.source}
	if s.sessions != nil {
		stats := s.sessions.Stats()
		resp.Ingest = &stats
		resp.Sessions = s.sessions.Sessions()
	}
	if s.live != nil {
		stats := s.live.Stats()
		resp.Broadcast = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listPrinters(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusServiceUnavailable, "live state not available")
		return
	}
	writeJSON(w, http.StatusOK, s.live.All())
}

// getPrinter prefiere el estado en vivo y cae al último snapshot
// persistido (por ejemplo, después de reiniciar el agente).
func (s *Server) getPrinter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.live != nil {
		if st, ok := s.live.Latest(id); ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	if s.history != nil {
		st, err := s.history.LatestSnapshot(id)
		if err == nil {
			writeJSON(w, http.StatusOK, st)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.internalError(w, err)
			return
		}
	}
	writeError(w, http.StatusNotFound, "printer not found")
}

type usageResponse struct {
	PrinterID  string                `json:"printer_id,omitempty"`
	JobID      string                `json:"job_id,omitempty"`
	TotalMM    float64               `json:"total_mm"`
	TotalGrams float64               `json:"total_grams"`
	BySpool    map[string]float64    `json:"grams_by_spool"`
	Records    []tracker.UsageRecord `json:"records"`
}

func summarize(records []tracker.UsageRecord) usageResponse {
	resp := usageResponse{BySpool: make(map[string]float64), Records: records}
	if resp.Records == nil {
		resp.Records = []tracker.UsageRecord{}
	}
	for _, r := range records {
		resp.TotalMM += r.LengthMM
		resp.TotalGrams += r.WeightGrams
		resp.BySpool[r.SpoolID] += r.WeightGrams
	}
	return resp
}

// printerUsage acepta ?from= y ?to= en RFC3339.
func (s *Server) printerUsage(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "store not available")
		return
	}
	id := mux.Vars(r)["id"]

	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	records, err := s.history.UsageByPrinter(id, from, to)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := summarize(records)
	resp.PrinterID = id
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) jobUsage(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "store not available")
		return
	}
	id := mux.Vars(r)["id"]

	records, err := s.history.UsageByJob(id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := summarize(records)
	resp.JobID = id
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSpool(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "store not available")
		return
	}
	sp, err := s.history.Spool(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "spool not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spoolResponse{Spool: sp, RemainingMM: sp.LengthForGrams(sp.RemainingGrams)})
}

// spoolResponse agrega el saldo expresado en largo de filamento.
type spoolResponse struct {
	spool.Spool
	RemainingMM float64 `json:"remaining_mm"`
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("api request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
