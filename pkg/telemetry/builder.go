package telemetry

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

// eventNamespace deriva EventIDs deterministas: el mismo snapshot o
// registro reenviado produce el mismo id.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:filament-agent:event"))

// Builder arma Events a partir de estados y registros de consumo.
// Responsabilidad ÚNICA: armar el sobre; no decide destino ni formato.
type Builder struct {
	source AgentSource // quién envía (agent_id, hostname, os, version)
}

// NewBuilder crea un nuevo builder
func NewBuilder(source AgentSource) *Builder {
	return &Builder{
		source: source,
	}
}

// DetectSource arma un AgentSource con los datos del host.
func DetectSource(agentID, version string) AgentSource {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if agentID == "" {
		agentID = os.Getenv("AGENT_ID")
	}
	if agentID == "" {
		agentID = "AGT-" + strings.ToUpper(hostname)
	}
	return AgentSource{
		AgentID:  agentID,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Version:  version,
	}
}

// Source retorna la identidad del agente.
func (b *Builder) Source() AgentSource { return b.source }

// Snapshot envuelve un estado normalizado. La clave de idempotencia es
// (printer, timestamp de observación).
func (b *Builder) Snapshot(st canonical.State) (*Event, error) {
	if st.PrinterID == "" {
		return nil, fmt.Errorf("snapshot without printer id")
	}
	if st.ObservedAt.IsZero() {
		return nil, fmt.Errorf("snapshot for %s without timestamp", st.PrinterID)
	}

	key := SnapshotKey(st.PrinterID, st.ObservedAt)
	snapshot := st
	// IMPORTANTE: SIEMPRE usar UTC para timestamps (backend maneja timezones)
	snapshot.ObservedAt = st.ObservedAt.UTC()

	return &Event{
		SchemaVersion: SchemaVersion,
		EventID:       b.buildEventID(KindSnapshot, key),
		Kind:          KindSnapshot,
		Key:           key,
		PrinterID:     st.PrinterID,
		CollectedAt:   snapshot.ObservedAt,
		Source:        b.source,
		Snapshot:      &snapshot,
	}, nil
}

// Usage envuelve un registro de consumo cerrado. La clave de
// idempotencia es (job, spool, fin).
func (b *Builder) Usage(record tracker.UsageRecord) (*Event, error) {
	if record.JobID == "" || record.SpoolID == "" {
		return nil, fmt.Errorf("usage record %s without job or spool", record.ID)
	}
	if record.EndedAt.IsZero() {
		return nil, fmt.Errorf("usage record %s is still open", record.ID)
	}

	usage := record
	usage.StartedAt = record.StartedAt.UTC()
	usage.EndedAt = record.EndedAt.UTC()
	key := usage.Key()

	return &Event{
		SchemaVersion: SchemaVersion,
		EventID:       b.buildEventID(KindUsage, key),
		Kind:          KindUsage,
		Key:           key,
		PrinterID:     record.PrinterID,
		CollectedAt:   usage.EndedAt,
		Source:        b.source,
		Usage:         &usage,
	}, nil
}

// SnapshotKey es la clave de idempotencia de un snapshot.
func SnapshotKey(printerID string, observedAt time.Time) string {
	return printerID + "|" + observedAt.UTC().Format(time.RFC3339Nano)
}

// buildEventID genera un ID estable para el evento
// Formato: UUIDv5 de {agent_id}::{kind}::{key}
func (b *Builder) buildEventID(kind Kind, key string) string {
	name := fmt.Sprintf("%s::%s::%s", b.source.AgentID, kind, key)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}
