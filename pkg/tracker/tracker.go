// Package tracker sigue el ciclo de vida de los trabajos de una
// impresora y acumula el consumo de filamento por spool y slot.
//
// Un Tracker pertenece a una sola sesión de ingestión: no tiene locks y
// no debe compartirse entre goroutines.
package tracker

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/spool"
)

// DefaultFallbackMMPerSecond es la velocidad de alimentación supuesta
// cuando el vendor no reporta ni filamento ni progreso útil.
const DefaultFallbackMMPerSecond = 0.5

// SpoolResolver indica qué spool alimenta un slot.
type SpoolResolver interface {
	Resolve(printerID string, slot *int, material string) spool.Spool
}

// Config ajusta la estimación de consumo.
type Config struct {
	FallbackMMPerSecond float64 `yaml:"fallback_mm_per_second"`
}

// Update es el resultado de observar un estado.
type Update struct {
	// State es el estado con el job id resuelto.
	State     canonical.State
	Deltas    []Delta
	Closed    []UsageRecord
	Anomalies []canonical.Anomaly
}

// Tracker mantiene el trabajo activo de una impresora.
type Tracker struct {
	printerID string
	cfg       Config
	spools    SpoolResolver

	job           *activeJob
	lastClosedJob string
}

type activeJob struct {
	id        string
	startedAt time.Time
	method    Method

	// vendorElapsed fija si MethodElapsed usa el tiempo del vendor o el
	// reloj de observaciones.
	vendorElapsed bool

	highWater    float64
	consumed     float64
	lastProgress *float64
	lastMeasured *float64
	lastElapsed  *float64
	totalMM      *float64
	clockSeconds float64

	lastAt        time.Time
	lastLifecycle canonical.Lifecycle

	slot     *int
	material string
	spool    spool.Spool
	record   *UsageRecord
}

// New crea un Tracker para una impresora.
func New(printerID string, cfg Config, spools SpoolResolver) *Tracker {
	if cfg.FallbackMMPerSecond <= 0 {
		cfg.FallbackMMPerSecond = DefaultFallbackMMPerSecond
	}
	return &Tracker{printerID: printerID, cfg: cfg, spools: spools}
}

// ActiveJob retorna el trabajo abierto, si hay.
func (t *Tracker) ActiveJob() (string, bool) {
	if t.job == nil {
		return "", false
	}
	return t.job.id, true
}

// Consumed retorna los mm acumulados del trabajo activo desde que se
// empezó a observar.
func (t *Tracker) Consumed() float64 {
	if t.job == nil {
		return 0
	}
	return t.job.consumed
}

// Observe procesa un estado normalizado de esta impresora.
func (t *Tracker) Observe(st canonical.State) Update {
	st = t.resolveJobID(st)
	up := Update{}
	at := st.ObservedAt

	if t.job != nil {
		switch {
		case st.Lifecycle == canonical.LifecycleOffline,
			st.JobID == "",
			st.JobID != t.job.id:
			t.closeJob(&up, at)
		case st.Lifecycle.Terminal(), st.Lifecycle == canonical.LifecycleIdle:
			t.advance(&up, st)
			t.closeJob(&up, at)
		default:
			t.advance(&up, st)
		}
	}

	if t.job == nil && t.canOpen(st) {
		t.openJob(st)
	}

	up.State = st
	return up
}

// Flush cierra el trabajo activo, si hay. Se usa al cerrar la sesión o
// cuando el transporte se desconecta.
func (t *Tracker) Flush(at time.Time) Update {
	up := Update{}
	if t.job != nil {
		t.closeJob(&up, at)
	}
	return up
}

// resolveJobID completa el job id cuando el vendor no lo reporta: los
// reportes parciales heredan el trabajo activo y una impresión sin id
// recibe uno sintético estable.
func (t *Tracker) resolveJobID(st canonical.State) canonical.State {
	if st.JobID != "" {
		return st
	}
	if t.job != nil {
		switch {
		case st.Lifecycle == canonical.LifecycleUnknown,
			st.Lifecycle.Active(),
			st.Lifecycle.Terminal():
			return st.WithJobID(t.job.id)
		}
		return st
	}
	if st.Lifecycle == canonical.LifecyclePrinting {
		return st.WithJobID(fmt.Sprintf("%s-%d", t.printerID, st.ObservedAt.Unix()))
	}
	return st
}

func (t *Tracker) canOpen(st canonical.State) bool {
	if st.JobID == "" {
		return false
	}
	switch {
	case st.Lifecycle == canonical.LifecycleIdle,
		st.Lifecycle == canonical.LifecycleOffline,
		st.Lifecycle.Terminal():
		return false
	}
	// Un trabajo recién cerrado solo se reabre si vuelve a imprimir.
	if st.JobID == t.lastClosedJob && st.Lifecycle != canonical.LifecyclePrinting {
		return false
	}
	return true
}

func (t *Tracker) openJob(st canonical.State) {
	job := &activeJob{
		id:            st.JobID,
		startedAt:     st.ObservedAt,
		lastAt:        st.ObservedAt,
		lastLifecycle: st.Lifecycle,
		slot:          copyInt(st.AMSSlot),
		material:      st.Material,
		totalMM:       copyFloat(st.JobFilamentMM),
		lastProgress:  copyFloat(st.Progress),
		lastMeasured:  copyFloat(st.FilamentUsedMM),
		lastElapsed:   copyFloat(st.ElapsedSeconds),
	}

	switch {
	case st.FilamentUsedMM != nil:
		job.method = MethodMeasured
		job.highWater = *st.FilamentUsedMM
	case st.Progress != nil && st.JobFilamentMM != nil:
		job.method = MethodProgress
		job.highWater = *st.Progress * *st.JobFilamentMM
	default:
		job.method = MethodElapsed
		job.vendorElapsed = st.ElapsedSeconds != nil
		if job.vendorElapsed {
			job.highWater = *st.ElapsedSeconds * t.cfg.FallbackMMPerSecond
		}
	}

	t.job = job
	t.openRecord(st.ObservedAt)
}

// advance suma el consumo desde la observación anterior al registro
// abierto y, si cambió el slot o el material, rota el registro.
func (t *Tracker) advance(up *Update, st canonical.State) {
	job := t.job
	at := st.ObservedAt

	regressed := false
	if st.Progress != nil {
		if job.lastProgress != nil && *st.Progress < *job.lastProgress {
			regressed = true
			up.Anomalies = append(up.Anomalies, t.regression("progress",
				fmt.Sprintf("progress went from %.4f to %.4f", *job.lastProgress, *st.Progress)))
		}
	}

	if estimate, ok := t.estimate(up, st); ok && !regressed && estimate > job.highWater {
		t.addUsage(up, estimate-job.highWater)
		job.highWater = estimate
	}

	if st.Progress != nil {
		job.lastProgress = copyFloat(st.Progress)
	}
	if at.After(job.lastAt) {
		job.lastAt = at
	}
	if st.Lifecycle != canonical.LifecycleUnknown {
		job.lastLifecycle = st.Lifecycle
	}

	slot := job.slot
	if st.AMSSlot != nil {
		slot = copyInt(st.AMSSlot)
	}
	material := job.material
	if st.Material != "" {
		material = st.Material
	}
	if !sameSlot(slot, job.slot) || material != job.material {
		job.slot = slot
		job.material = material
		if job.record != nil && job.record.LengthMM == 0 {
			// Nada consumido todavía: se reasigna el registro en vez de
			// cerrar uno vacío.
			startedAt := job.record.StartedAt
			t.openRecord(startedAt)
		} else {
			t.closeRecord(up, at)
			t.openRecord(at)
		}
	}
}

// estimate calcula el consumo acumulado del trabajo según el método
// fijado al abrirlo.
func (t *Tracker) estimate(up *Update, st canonical.State) (float64, bool) {
	job := t.job
	switch job.method {
	case MethodMeasured:
		if st.FilamentUsedMM == nil {
			return 0, false
		}
		if job.lastMeasured != nil && *st.FilamentUsedMM < *job.lastMeasured {
			up.Anomalies = append(up.Anomalies, t.regression("filament_used_mm",
				fmt.Sprintf("filament used went from %.1f to %.1f", *job.lastMeasured, *st.FilamentUsedMM)))
		}
		job.lastMeasured = copyFloat(st.FilamentUsedMM)
		return *st.FilamentUsedMM, true

	case MethodProgress:
		if st.JobFilamentMM != nil {
			job.totalMM = copyFloat(st.JobFilamentMM)
		}
		if st.Progress == nil || job.totalMM == nil {
			return 0, false
		}
		return *st.Progress * *job.totalMM, true

	default:
		if job.vendorElapsed {
			if st.ElapsedSeconds == nil {
				return 0, false
			}
			if job.lastElapsed != nil && *st.ElapsedSeconds < *job.lastElapsed {
				up.Anomalies = append(up.Anomalies, t.regression("elapsed_seconds",
					fmt.Sprintf("elapsed went from %.0f to %.0f", *job.lastElapsed, *st.ElapsedSeconds)))
			}
			job.lastElapsed = copyFloat(st.ElapsedSeconds)
			return *st.ElapsedSeconds * t.cfg.FallbackMMPerSecond, true
		}
		// Reloj de observaciones: solo cuenta el tiempo en que la
		// impresora estaba imprimiendo.
		if job.lastLifecycle == canonical.LifecyclePrinting {
			if dt := st.ObservedAt.Sub(job.lastAt).Seconds(); dt > 0 {
				job.clockSeconds += dt
			}
		}
		return job.clockSeconds * t.cfg.FallbackMMPerSecond, true
	}
}

func (t *Tracker) addUsage(up *Update, mm float64) {
	job := t.job
	if job.record == nil || mm <= 0 {
		return
	}
	job.record.LengthMM += mm
	job.consumed += mm
	up.Deltas = append(up.Deltas, Delta{
		JobID:       job.id,
		SpoolID:     job.record.SpoolID,
		Slot:        copyInt(job.record.Slot),
		LengthMM:    mm,
		WeightGrams: job.spool.GramsForLength(mm),
	})
}

func (t *Tracker) openRecord(at time.Time) {
	job := t.job
	sp := t.spools.Resolve(t.printerID, job.slot, job.material)
	material := job.material
	if material == "" {
		material = sp.Material
	}
	job.spool = sp
	job.record = &UsageRecord{
		ID:        uuid.NewString(),
		PrinterID: t.printerID,
		JobID:     job.id,
		SpoolID:   sp.ID,
		Slot:      copyInt(job.slot),
		Material:  material,
		StartedAt: at,
		Method:    job.method,
	}
}

func (t *Tracker) closeRecord(up *Update, at time.Time) {
	job := t.job
	if job.record == nil {
		return
	}
	record := *job.record
	record.EndedAt = at
	if record.EndedAt.Before(record.StartedAt) {
		record.EndedAt = record.StartedAt
	}
	record.WeightGrams = job.spool.GramsForLength(record.LengthMM)
	up.Closed = append(up.Closed, record)
	job.record = nil
}

func (t *Tracker) closeJob(up *Update, at time.Time) {
	if at.Before(t.job.lastAt) {
		at = t.job.lastAt
	}
	t.closeRecord(up, at)
	t.lastClosedJob = t.job.id
	t.job = nil
}

func (t *Tracker) regression(field, detail string) canonical.Anomaly {
	return canonical.Anomaly{
		Kind:      canonical.AnomalyProgressRegression,
		PrinterID: t.printerID,
		JobID:     t.job.id,
		Field:     field,
		Detail:    detail,
	}
}

func sameSlot(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
