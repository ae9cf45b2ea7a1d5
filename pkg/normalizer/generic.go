package normalizer

import (
	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/detector"
)

// Generic es el fallback para vendors sin regla: copia los campos con
// nombres reconocibles y deja el payload completo en Extra.
func Generic() Rule {
	return &Mapping{
		Name:        detector.VendorGeneric,
		Passthrough: true,
		Fields: []FieldRule{
			{Field: FieldLifecycle, Paths: []string{"lifecycle", "state", "status", "printer_state"}},
			{Field: FieldJobID, Paths: []string{"job_id", "jobId", "job.id", "task_id"}},
			{Field: FieldJobName, Paths: []string{"job_name", "jobName", "job.name", "filename"}},
			{Field: FieldProgress, Paths: []string{"progress", "job.progress"}, Convert: AutoFraction},
			{Field: FieldProgress, Paths: []string{"progress_percent", "percent"}, Convert: Percent},
			{Field: FieldElapsedSeconds, Paths: []string{"elapsed_seconds", "elapsed", "print_time"}},
			{Field: FieldRemainingSeconds, Paths: []string{"remaining_seconds", "eta_seconds", "time_remaining", "time_left"}},
			{Field: FieldNozzleTemp, Paths: []string{"nozzle_temp", "nozzle_temperature", "hotend_temp", "extruder_temp"}},
			{Field: FieldBedTemp, Paths: []string{"bed_temp", "bed_temperature"}},
			{Field: FieldAMSSlot, Paths: []string{"ams_slot", "slot", "active_slot"}},
			{Field: FieldMaterial, Paths: []string{"material", "filament_type"}},
			{Field: FieldFilamentUsedMM, Paths: []string{"filament_used_mm", "filament_used"}},
			{Field: FieldJobFilamentMM, Paths: []string{"filament_total_mm", "filament_total"}},
		},
		States: map[string]canonical.Lifecycle{
			"working": canonical.LifecyclePrinting,
			"stopped": canonical.LifecycleCancelled,
		},
	}
}
