package tracker

import (
	"time"
)

// Method indica cómo se estimó el consumo de un trabajo.
type Method string

const (
	// MethodMeasured usa el filamento acumulado que reporta el vendor.
	MethodMeasured Method = "measured"
	// MethodProgress usa progreso × filamento total estimado del trabajo.
	MethodProgress Method = "progress"
	// MethodElapsed usa tiempo de impresión × velocidad de alimentación.
	MethodElapsed Method = "elapsed"
)

// UsageRecord es el consumo de un spool durante un tramo de un trabajo.
// Mientras está abierto lo modifica solo el Tracker; una vez cerrado se
// entrega a persistencia y no cambia más.
type UsageRecord struct {
	ID          string    `json:"id"`
	PrinterID   string    `json:"printer_id"`
	JobID       string    `json:"job_id"`
	SpoolID     string    `json:"spool_id"`
	Slot        *int      `json:"slot,omitempty"`
	Material    string    `json:"material,omitempty"`
	LengthMM    float64   `json:"length_mm"`
	WeightGrams float64   `json:"weight_grams"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Method      Method    `json:"method"`
}

// Key es la clave de idempotencia: (job, spool, fin).
func (r UsageRecord) Key() string {
	return r.JobID + "|" + r.SpoolID + "|" + r.EndedAt.UTC().Format(time.RFC3339Nano)
}

// Delta es el consumo atribuido a un slot entre dos observaciones.
type Delta struct {
	JobID       string  `json:"job_id"`
	SpoolID     string  `json:"spool_id"`
	Slot        *int    `json:"slot,omitempty"`
	LengthMM    float64 `json:"length_mm"`
	WeightGrams float64 `json:"weight_grams"`
}
