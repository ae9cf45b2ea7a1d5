package canonical

import "fmt"

// AnomalyKind clasifica problemas no fatales del stream de un vendor.
type AnomalyKind string

const (
	AnomalyUnrecognizedVendor AnomalyKind = "unrecognized_vendor"
	AnomalyMalformedField     AnomalyKind = "malformed_field"
	AnomalyProgressRegression AnomalyKind = "progress_regression"
)

// Anomaly es un valor, no un error: el procesamiento continúa y la
// anomalía se reporta al log estructurado.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	PrinterID string      `json:"printer_id"`
	JobID     string      `json:"job_id,omitempty"`
	Field     string      `json:"field,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

func (a Anomaly) String() string {
	if a.Field != "" {
		return fmt.Sprintf("%s printer=%s field=%s: %s", a.Kind, a.PrinterID, a.Field, a.Detail)
	}
	return fmt.Sprintf("%s printer=%s: %s", a.Kind, a.PrinterID, a.Detail)
}
