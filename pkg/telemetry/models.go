package telemetry

import (
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

// SchemaVersion del sobre de eventos. Congelado.
const SchemaVersion = "1.0.0"

// Kind distingue el contenido de un Event.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindUsage    Kind = "usage"
)

// Event es el sobre atómico que se entrega a los sinks: un snapshot del
// estado normalizado de UNA impresora o un registro de consumo cerrado.
type Event struct {
	SchemaVersion string      `json:"schema_version"`
	EventID       string      `json:"event_id"`
	Kind          Kind        `json:"kind"`
	Key           string      `json:"key"` // clave de idempotencia
	PrinterID     string      `json:"printer_id"`
	CollectedAt   time.Time   `json:"collected_at"`
	Source        AgentSource `json:"source"`

	Snapshot *canonical.State     `json:"snapshot,omitempty"`
	Usage    *tracker.UsageRecord `json:"usage,omitempty"`
}

// AgentSource describe quién envía el evento
type AgentSource struct {
	AgentID  string `json:"agent_id"` // "AGT-CL-001"
	Hostname string `json:"hostname"` // detectado del SO
	OS       string `json:"os"`       // "windows", "linux", "darwin"
	Version  string `json:"version"`  // versión del agente
}
