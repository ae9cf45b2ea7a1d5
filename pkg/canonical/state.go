// Package canonical define el modelo normalizado de estado de impresora
// al que se mapean todos los payloads de vendor.
package canonical

import "time"

// Lifecycle es el estado operativo normalizado de una impresora.
type Lifecycle string

const (
	LifecycleUnknown   Lifecycle = ""
	LifecycleIdle      Lifecycle = "idle"
	LifecyclePrinting  Lifecycle = "printing"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleError     Lifecycle = "error"
	LifecycleOffline   Lifecycle = "offline"
	LifecycleFinished  Lifecycle = "finished"
	LifecycleCancelled Lifecycle = "cancelled"
)

// Terminal indica si el estado cierra el trabajo en curso.
func (l Lifecycle) Terminal() bool {
	switch l {
	case LifecycleFinished, LifecycleCancelled, LifecycleError:
		return true
	}
	return false
}

// Active indica si la impresora está ejecutando un trabajo (imprimiendo
// o en pausa).
func (l Lifecycle) Active() bool {
	return l == LifecyclePrinting || l == LifecyclePaused
}

// ParseLifecycle acepta los nombres canónicos y algunos sinónimos comunes.
func ParseLifecycle(s string) (Lifecycle, bool) {
	switch s {
	case "idle", "ready", "standby", "operational":
		return LifecycleIdle, true
	case "printing", "running", "busy":
		return LifecyclePrinting, true
	case "paused", "pausing":
		return LifecyclePaused, true
	case "error", "failed":
		return LifecycleError, true
	case "offline", "disconnected":
		return LifecycleOffline, true
	case "finished", "complete", "completed", "done":
		return LifecycleFinished, true
	case "cancelled", "canceled", "stopped", "aborted":
		return LifecycleCancelled, true
	}
	return LifecycleUnknown, false
}

// ExternalSlot identifica el spool externo (fuera del AMS).
const ExternalSlot = -1

// RemainingSource indica de dónde salió RemainingSeconds.
const (
	RemainingFromVendor    = "vendor"
	RemainingFromEstimator = "estimated"
)

// State es la proyección normalizada de un payload. Se construye una vez
// y no se modifica; los derivados se crean con los métodos With*.
type State struct {
	PrinterID string    `json:"printer_id"`
	Vendor    string    `json:"vendor"`
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	JobName   string    `json:"job_name,omitempty"`

	Progress         *float64 `json:"progress,omitempty"`
	ElapsedSeconds   *float64 `json:"elapsed_seconds,omitempty"`
	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`
	RemainingSource  string   `json:"remaining_source,omitempty"`

	NozzleTemp *float64 `json:"nozzle_temp,omitempty"`
	BedTemp    *float64 `json:"bed_temp,omitempty"`

	AMSSlot  *int   `json:"ams_slot,omitempty"`
	Material string `json:"material,omitempty"`

	// FilamentUsedMM es el filamento acumulado del trabajo medido por el
	// vendor. JobFilamentMM es la estimación total del slicer.
	FilamentUsedMM *float64 `json:"filament_used_mm,omitempty"`
	JobFilamentMM  *float64 `json:"job_filament_mm,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
	Extra      Extras    `json:"extra,omitempty"`
}

// HasCanonical indica si algún campo canónico fue poblado por el mapeo.
// PrinterID, Vendor y ObservedAt vienen del contexto, no del payload.
func (s State) HasCanonical() bool {
	return s.Lifecycle != LifecycleUnknown ||
		s.JobID != "" ||
		s.JobName != "" ||
		s.Progress != nil ||
		s.ElapsedSeconds != nil ||
		s.RemainingSeconds != nil ||
		s.NozzleTemp != nil ||
		s.BedTemp != nil ||
		s.AMSSlot != nil ||
		s.Material != "" ||
		s.FilamentUsedMM != nil ||
		s.JobFilamentMM != nil
}

// WithJobID retorna una copia con otro identificador de trabajo.
func (s State) WithJobID(jobID string) State {
	s.JobID = jobID
	return s
}

// WithLifecycle retorna una copia con otro estado.
func (s State) WithLifecycle(l Lifecycle) State {
	s.Lifecycle = l
	return s
}

// WithRemaining retorna una copia con el tiempo restante y su origen.
func (s State) WithRemaining(seconds float64, source string) State {
	s.RemainingSeconds = &seconds
	s.RemainingSource = source
	return s
}

// WithSlot retorna una copia con otro slot activo y material.
func (s State) WithSlot(slot *int, material string) State {
	if slot != nil {
		v := *slot
		slot = &v
	}
	s.AMSSlot = slot
	s.Material = material
	return s
}

// ProgressValue retorna el progreso o 0 si no fue reportado.
func (s State) ProgressValue() float64 {
	if s.Progress == nil {
		return 0
	}
	return *s.Progress
}

// Float crea un puntero a v.
func Float(v float64) *float64 { return &v }

// Int crea un puntero a v.
func Int(v int) *int { return &v }
