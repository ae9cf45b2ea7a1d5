// Package normalizer traduce payloads de vendor al estado canónico.
//
// Cada vendor aporta una Rule registrada en el Mapper al arrancar. Un
// vendor desconocido cae en la regla genérica, que copia los campos con
// nombres reconocibles y conserva el payload completo en Extra.
package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

// Result es la salida de un mapeo. Nunca hay error: los problemas del
// payload se reportan como anomalías.
type Result struct {
	State     canonical.State
	Anomalies []canonical.Anomaly
	Fallback  bool
}

// Mapper despacha cada payload a la regla de su vendor.
type Mapper struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	fallback Rule
}

// NewMapper crea un Mapper vacío con la regla genérica como fallback.
func NewMapper() *Mapper {
	return &Mapper{
		rules:    make(map[string]Rule),
		fallback: Generic(),
	}
}

// Default crea un Mapper con todas las reglas incluidas.
func Default() *Mapper {
	m := NewMapper()
	for _, rule := range BuiltinRules() {
		if err := m.Register(rule); err != nil {
			panic(err)
		}
	}
	return m
}

// BuiltinRules retorna las reglas de los vendors soportados.
func BuiltinRules() []Rule {
	return []Rule{Bambu(), Moonraker(), OctoPrint(), PrusaLink(), SNMP(), Generic()}
}

// Register agrega una regla. Se llama solo durante el arranque.
func (m *Mapper) Register(rule Rule) error {
	if rule == nil {
		return fmt.Errorf("normalizer: nil rule")
	}
	tag := strings.ToLower(strings.TrimSpace(rule.Vendor()))
	if tag == "" {
		return fmt.Errorf("normalizer: rule without vendor tag")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[tag]; exists {
		return fmt.Errorf("normalizer: vendor %q already registered", tag)
	}
	m.rules[tag] = rule
	return nil
}

// Vendors retorna los tags registrados, ordenados.
func (m *Mapper) Vendors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.rules))
	for tag := range m.rules {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Map aplica la regla del vendor al payload. Es seguro para uso
// concurrente y no modifica el payload.
func (m *Mapper) Map(vendor, printerID string, payload map[string]any, observedAt time.Time) Result {
	tag := strings.ToLower(strings.TrimSpace(vendor))

	m.mu.RLock()
	rule, ok := m.rules[tag]
	m.mu.RUnlock()

	b := newBuilder(printerID, Payload(payload))
	stateVendor := tag
	if !ok {
		rule = m.fallback
		b.anomalies = append(b.anomalies, canonical.Anomaly{
			Kind:      canonical.AnomalyUnrecognizedVendor,
			PrinterID: printerID,
			Detail:    fmt.Sprintf("vendor %q not registered, using %s rule", vendor, rule.Vendor()),
		})
		if stateVendor == "" {
			stateVendor = rule.Vendor()
		}
	}

	rule.Map(b)
	state, anomalies := b.finish(stateVendor, observedAt)
	return Result{State: state, Anomalies: anomalies, Fallback: !ok}
}
