package normalizer

import (
	"fmt"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/detector"
)

// Bambu mapea el reporte MQTT "print" de impresoras Bambu Lab. Los
// reportes suelen ser parciales: solo traen los campos que cambiaron.
func Bambu() Rule {
	return &Mapping{
		Name: detector.VendorBambu,
		Fields: []FieldRule{
			{Field: FieldLifecycle, Paths: []string{"print.gcode_state"}},
			{Field: FieldJobID, Paths: []string{"print.job_id", "print.task_id"}},
			{Field: FieldJobName, Paths: []string{"print.subtask_name", "print.gcode_file"}},
			{Field: FieldProgress, Paths: []string{"print.mc_percent"}, Convert: Percent},
			{Field: FieldRemainingSeconds, Paths: []string{"print.mc_remaining_time"}, Convert: Minutes},
			{Field: FieldNozzleTemp, Paths: []string{"print.nozzle_temper"}},
			{Field: FieldBedTemp, Paths: []string{"print.bed_temper"}},
		},
		States: map[string]canonical.Lifecycle{
			"idle":    canonical.LifecycleIdle,
			"prepare": canonical.LifecyclePrinting,
			"slicing": canonical.LifecyclePrinting,
			"running": canonical.LifecyclePrinting,
			"pause":   canonical.LifecyclePaused,
			"finish":  canonical.LifecycleFinished,
			"failed":  canonical.LifecycleError,
			"offline": canonical.LifecycleOffline,
		},
		Post: bambuPost,
	}
}

const (
	bambuTrayNone     = 255
	bambuTrayExternal = 254
	bambuTraysPerUnit = 4
)

func bambuPost(b *Builder) {
	// job_id "0" es el valor de Bambu para "sin trabajo en la nube".
	if b.State().JobID == "0" {
		b.SetJobID("")
	}

	raw, ok := b.Lookup("print.ams.tray_now")
	if !ok || raw == nil {
		return
	}
	trayNow, ok := toInt(raw)
	if !ok {
		b.Malformed(FieldAMSSlot, "print.ams.tray_now", raw, "not an integer")
		return
	}
	b.Claim("print.ams.tray_now")

	switch trayNow {
	case bambuTrayNone:
		b.SetSlot(nil)
	case bambuTrayExternal:
		slot := canonical.ExternalSlot
		b.SetSlot(&slot)
		if material, ok := b.String(FieldMaterial, "print.vt_tray.tray_type"); ok {
			b.SetMaterial(material)
		}
	default:
		b.SetSlot(&trayNow)
		if path, ok := bambuTrayPath(b.Payload(), trayNow); ok {
			if material, ok := b.String(FieldMaterial, path+".tray_type"); ok {
				b.SetMaterial(material)
			}
		}
	}
}

// bambuTrayPath busca la bandeja con índice global slot (unidad*4 +
// bandeja) dentro de print.ams.ams.
func bambuTrayPath(payload Payload, slot int) (string, bool) {
	raw, ok := payload.Lookup("print.ams.ams")
	if !ok {
		return "", false
	}
	units, ok := raw.([]any)
	if !ok {
		return "", false
	}
	for u, rawUnit := range units {
		unit, ok := rawUnit.(map[string]any)
		if !ok {
			continue
		}
		unitID, ok := toInt(unit["id"])
		if !ok {
			unitID = u
		}
		trays, ok := unit["tray"].([]any)
		if !ok {
			continue
		}
		for t, rawTray := range trays {
			tray, ok := rawTray.(map[string]any)
			if !ok {
				continue
			}
			trayID, ok := toInt(tray["id"])
			if !ok {
				trayID = t
			}
			if unitID*bambuTraysPerUnit+trayID == slot {
				return fmt.Sprintf("print.ams.ams.%d.tray.%d", u, t), true
			}
		}
	}
	return "", false
}

// Moonraker mapea notify_status_update de Klipper/Moonraker. El MMU
// (Happy Hare) reporta la compuerta activa en mmu.gate.
func Moonraker() Rule {
	return &Mapping{
		Name: detector.VendorMoonraker,
		Fields: []FieldRule{
			{Field: FieldLifecycle, Paths: []string{"print_stats.state"}},
			{Field: FieldJobID, Paths: []string{"job_id", "print_stats.filename"}},
			{Field: FieldJobName, Paths: []string{"print_stats.filename"}},
			{Field: FieldProgress, Paths: []string{"virtual_sdcard.progress", "display_status.progress"}},
			{Field: FieldElapsedSeconds, Paths: []string{"print_stats.print_duration"}},
			{Field: FieldFilamentUsedMM, Paths: []string{"print_stats.filament_used"}},
			{Field: FieldJobFilamentMM, Paths: []string{"metadata.filament_total"}},
			{Field: FieldNozzleTemp, Paths: []string{"extruder.temperature"}},
			{Field: FieldBedTemp, Paths: []string{"heater_bed.temperature"}},
		},
		States: map[string]canonical.Lifecycle{
			"standby":   canonical.LifecycleIdle,
			"printing":  canonical.LifecyclePrinting,
			"paused":    canonical.LifecyclePaused,
			"complete":  canonical.LifecycleFinished,
			"cancelled": canonical.LifecycleCancelled,
			"error":     canonical.LifecycleError,
		},
		Post: moonrakerPost,
	}
}

const (
	mmuGateUnknown = -1
	mmuGateBypass  = -2
)

func moonrakerPost(b *Builder) {
	raw, ok := b.Lookup("mmu.gate")
	if !ok || raw == nil {
		return
	}
	gate, ok := toInt(raw)
	if !ok {
		b.Malformed(FieldAMSSlot, "mmu.gate", raw, "not an integer")
		return
	}
	b.Claim("mmu.gate")

	switch {
	case gate == mmuGateBypass:
		slot := canonical.ExternalSlot
		b.SetSlot(&slot)
	case gate == mmuGateUnknown || gate < 0:
		return
	default:
		b.SetSlot(&gate)
		if material, ok := b.String(FieldMaterial, fmt.Sprintf("mmu.gate_material.%d", gate)); ok {
			b.SetMaterial(material)
		}
	}
}

// OctoPrint mapea la combinación de /api/printer y /api/job.
func OctoPrint() Rule {
	return &Mapping{
		Name: detector.VendorOctoPrint,
		Fields: []FieldRule{
			{Field: FieldLifecycle, Paths: []string{"state.text"}},
			{Field: FieldJobID, Paths: []string{"job.file.path", "job.file.name"}},
			{Field: FieldJobName, Paths: []string{"job.file.display", "job.file.name"}},
			{Field: FieldProgress, Paths: []string{"progress.completion"}, Convert: Percent},
			{Field: FieldElapsedSeconds, Paths: []string{"progress.printTime"}},
			{Field: FieldRemainingSeconds, Paths: []string{"progress.printTimeLeft"}},
			{Field: FieldJobFilamentMM, Paths: []string{"job.filament.tool0.length"}},
			{Field: FieldNozzleTemp, Paths: []string{"temperature.tool0.actual"}},
			{Field: FieldBedTemp, Paths: []string{"temperature.bed.actual"}},
		},
		States: map[string]canonical.Lifecycle{
			"operational":         canonical.LifecycleIdle,
			"printing":            canonical.LifecyclePrinting,
			"printing from sd":    canonical.LifecyclePrinting,
			"starting":            canonical.LifecyclePrinting,
			"finishing":           canonical.LifecyclePrinting,
			"resuming":            canonical.LifecyclePrinting,
			"pausing":             canonical.LifecyclePaused,
			"paused":              canonical.LifecyclePaused,
			"cancelling":          canonical.LifecycleCancelled,
			"error":               canonical.LifecycleError,
			"offline":             canonical.LifecycleOffline,
			"offline after error": canonical.LifecycleError,
		},
		Post: octoPrintPost,
	}
}

// OctoPrint vuelve a "Operational" al terminar; con el archivo cargado
// y completion al 100% eso es un trabajo terminado.
func octoPrintPost(b *Builder) {
	state := b.State()
	if state.Lifecycle == canonical.LifecycleIdle && state.JobID != "" && state.ProgressValue() >= 1 {
		b.SetLifecycle(canonical.LifecycleFinished)
	}
}

// PrusaLink mapea /api/v1/status.
func PrusaLink() Rule {
	return &Mapping{
		Name: detector.VendorPrusaLink,
		Fields: []FieldRule{
			{Field: FieldLifecycle, Paths: []string{"printer.state"}},
			{Field: FieldJobID, Paths: []string{"job.id"}},
			{Field: FieldJobName, Paths: []string{"job.file.display_name", "job.file.name"}},
			{Field: FieldProgress, Paths: []string{"job.progress"}, Convert: Percent},
			{Field: FieldElapsedSeconds, Paths: []string{"job.time_printing"}},
			{Field: FieldRemainingSeconds, Paths: []string{"job.time_remaining"}},
			{Field: FieldNozzleTemp, Paths: []string{"printer.temp_nozzle"}},
			{Field: FieldBedTemp, Paths: []string{"printer.temp_bed"}},
		},
		States: map[string]canonical.Lifecycle{
			"idle":      canonical.LifecycleIdle,
			"ready":     canonical.LifecycleIdle,
			"busy":      canonical.LifecycleUnknown, // transitorio: hereda el estado del trabajo
			"printing":  canonical.LifecyclePrinting,
			"paused":    canonical.LifecyclePaused,
			"attention": canonical.LifecyclePaused,
			"finished":  canonical.LifecycleFinished,
			"stopped":   canonical.LifecycleCancelled,
			"error":     canonical.LifecycleError,
		},
	}
}
