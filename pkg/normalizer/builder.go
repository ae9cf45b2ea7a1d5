package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

// Field nombra un campo canónico que una regla puede poblar.
type Field string

const (
	FieldLifecycle        Field = "lifecycle"
	FieldJobID            Field = "job_id"
	FieldJobName          Field = "job_name"
	FieldProgress         Field = "progress"
	FieldElapsedSeconds   Field = "elapsed_seconds"
	FieldRemainingSeconds Field = "remaining_seconds"
	FieldNozzleTemp       Field = "nozzle_temp"
	FieldBedTemp          Field = "bed_temp"
	FieldAMSSlot          Field = "ams_slot"
	FieldMaterial         Field = "material"
	FieldFilamentUsedMM   Field = "filament_used_mm"
	FieldJobFilamentMM    Field = "job_filament_mm"
)

// Builder acumula el estado parcial que produce una regla sobre un
// payload. Registra qué rutas fueron reclamadas por campos canónicos;
// todo lo demás termina en Extra al cerrar el mapeo.
type Builder struct {
	printerID   string
	payload     Payload
	state       canonical.State
	claimed     map[string]struct{}
	extras      canonical.Extras
	anomalies   []canonical.Anomaly
	passthrough bool
}

func newBuilder(printerID string, payload Payload) *Builder {
	if payload == nil {
		payload = Payload{}
	}
	return &Builder{
		printerID: printerID,
		payload:   payload,
		claimed:   make(map[string]struct{}),
	}
}

// Payload retorna el payload crudo.
func (b *Builder) Payload() Payload { return b.payload }

// Lookup resuelve una ruta del payload sin reclamarla.
func (b *Builder) Lookup(path string) (any, bool) { return b.payload.Lookup(path) }

// Claim marca una ruta (y su subárbol) como consumida.
func (b *Builder) Claim(path string) { b.claimed[path] = struct{}{} }

// KeepAll hace que todas las claves del payload lleguen a Extra, aun
// las reclamadas por campos canónicos.
func (b *Builder) KeepAll() { b.passthrough = true }

// State retorna el estado construido hasta ahora.
func (b *Builder) State() canonical.State { return b.state }

func (b *Builder) SetLifecycle(l canonical.Lifecycle) { b.state.Lifecycle = l }
func (b *Builder) SetJobID(id string)                 { b.state.JobID = id }
func (b *Builder) SetMaterial(material string)        { b.state.Material = material }

// SetSlot fija el slot activo. nil borra el slot.
func (b *Builder) SetSlot(slot *int) {
	if slot == nil {
		b.state.AMSSlot = nil
		return
	}
	b.state.AMSSlot = canonical.Int(*slot)
}

// SetExtra agrega un valor derivado por la regla a Extra.
func (b *Builder) SetExtra(key string, value canonical.Value) {
	if b.extras == nil {
		b.extras = make(canonical.Extras)
	}
	b.extras[key] = value
}

// Malformed registra un campo que no pudo convertirse. La ruta queda
// sin reclamar, así el valor original llega a Extra.
func (b *Builder) Malformed(field Field, path string, raw any, reason string) {
	b.anomalies = append(b.anomalies, canonical.Anomaly{
		Kind:      canonical.AnomalyMalformedField,
		PrinterID: b.printerID,
		Field:     path,
		Detail:    fmt.Sprintf("%s: %v (%s)", field, raw, reason),
	})
}

// Float lee y reclama una ruta numérica. Un valor no numérico se
// reporta como malformado y no se reclama.
func (b *Builder) Float(field Field, path string) (float64, bool) {
	raw, ok := b.payload.Lookup(path)
	if !ok || raw == nil {
		return 0, false
	}
	f, ok := toFloat(raw)
	if !ok {
		b.Malformed(field, path, raw, "not numeric")
		return 0, false
	}
	b.Claim(path)
	return f, true
}

// String lee y reclama una ruta de texto.
func (b *Builder) String(field Field, path string) (string, bool) {
	raw, ok := b.payload.Lookup(path)
	if !ok || raw == nil {
		return "", false
	}
	s, ok := toString(raw)
	if !ok {
		b.Malformed(field, path, raw, "not a string")
		return "", false
	}
	b.Claim(path)
	return s, true
}

// apply resuelve un FieldRule: la primera ruta presente con un valor
// válido gana. Las rutas con null se reclaman sin poblar el campo.
func (b *Builder) apply(rule FieldRule, states map[string]canonical.Lifecycle) {
	for _, path := range rule.Paths {
		raw, ok := b.payload.Lookup(path)
		if !ok {
			continue
		}
		if raw == nil {
			b.Claim(path)
			continue
		}
		if b.set(rule, path, raw, states) {
			b.Claim(path)
			return
		}
	}
}

func (b *Builder) set(rule FieldRule, path string, raw any, states map[string]canonical.Lifecycle) bool {
	switch rule.Field {
	case FieldLifecycle:
		s, ok := toString(raw)
		if !ok {
			b.Malformed(rule.Field, path, raw, "not a state name")
			return false
		}
		key := strings.ToLower(s)
		if l, ok := states[key]; ok {
			b.state.Lifecycle = l
			return true
		}
		if l, ok := canonical.ParseLifecycle(key); ok {
			b.state.Lifecycle = l
			return true
		}
		b.Malformed(rule.Field, path, raw, "unknown state")
		return false

	case FieldJobID, FieldJobName, FieldMaterial:
		s, ok := toString(raw)
		if !ok {
			b.Malformed(rule.Field, path, raw, "not a string")
			return false
		}
		if s == "" {
			return true
		}
		switch rule.Field {
		case FieldJobID:
			b.state.JobID = s
		case FieldJobName:
			b.state.JobName = s
		default:
			b.state.Material = s
		}
		return true

	case FieldAMSSlot:
		slot, ok := toInt(raw)
		if !ok {
			b.Malformed(rule.Field, path, raw, "not an integer")
			return false
		}
		b.state.AMSSlot = canonical.Int(slot)
		return true
	}

	f, ok := toFloat(raw)
	if !ok {
		b.Malformed(rule.Field, path, raw, "not numeric")
		return false
	}
	if rule.Convert != nil {
		f = rule.Convert(f)
	}

	switch rule.Field {
	case FieldProgress:
		if f < 0 || f > 1 {
			b.Malformed(rule.Field, path, raw, "out of range")
			return false
		}
		b.state.Progress = canonical.Float(f)
	case FieldElapsedSeconds, FieldRemainingSeconds, FieldFilamentUsedMM, FieldJobFilamentMM:
		if f < 0 {
			b.Malformed(rule.Field, path, raw, "negative")
			return false
		}
		switch rule.Field {
		case FieldElapsedSeconds:
			b.state.ElapsedSeconds = canonical.Float(f)
		case FieldRemainingSeconds:
			b.state.RemainingSeconds = canonical.Float(f)
			b.state.RemainingSource = canonical.RemainingFromVendor
		case FieldFilamentUsedMM:
			b.state.FilamentUsedMM = canonical.Float(f)
		default:
			b.state.JobFilamentMM = canonical.Float(f)
		}
	case FieldNozzleTemp:
		b.state.NozzleTemp = canonical.Float(f)
	case FieldBedTemp:
		b.state.BedTemp = canonical.Float(f)
	default:
		b.Malformed(rule.Field, path, raw, "unknown canonical field")
		return false
	}
	return true
}

// finish cierra el mapeo: copia al estado el contexto del mensaje y arma
// Extra con las rutas no reclamadas.
func (b *Builder) finish(vendor string, observedAt time.Time) (canonical.State, []canonical.Anomaly) {
	state := b.state
	state.PrinterID = b.printerID
	state.Vendor = vendor
	state.ObservedAt = observedAt

	extras := make(canonical.Extras)
	b.collect("", map[string]any(b.payload), extras)
	for k, v := range b.extras {
		extras[k] = v
	}
	if len(extras) > 0 {
		state.Extra = extras
	}

	for i := range b.anomalies {
		b.anomalies[i].JobID = state.JobID
	}
	return state, b.anomalies
}

func (b *Builder) collect(prefix string, node any, out canonical.Extras) {
	if prefix != "" && !b.passthrough {
		if _, ok := b.claimed[prefix]; ok {
			return
		}
	}

	switch v := node.(type) {
	case map[string]any:
		if len(v) == 0 && prefix != "" {
			out[prefix] = canonical.NullValue()
			return
		}
		for key, child := range v {
			b.collect(joinPath(prefix, key), child, out)
		}
	case []any:
		if len(v) == 0 && prefix != "" {
			out[prefix] = canonical.NullValue()
			return
		}
		for i, child := range v {
			b.collect(joinPath(prefix, fmt.Sprint(i)), child, out)
		}
	default:
		value, ok := canonical.ValueOf(v)
		if !ok {
			value = canonical.StringValue(fmt.Sprint(v))
		}
		out[prefix] = value
	}
}
