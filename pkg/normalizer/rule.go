package normalizer

import (
	"fmt"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

// Rule convierte el payload de un vendor en un estado canónico parcial.
// Map debe ser pura: solo lee el payload y escribe en el Builder.
type Rule interface {
	Vendor() string
	Map(b *Builder)
}

// Converter transforma un valor numérico del vendor a la unidad canónica.
type Converter func(float64) float64

var (
	// Identity deja el valor como está.
	Identity Converter = func(v float64) float64 { return v }
	// Percent convierte 0-100 a fracción 0-1.
	Percent Converter = func(v float64) float64 { return v / 100 }
	// Minutes convierte minutos a segundos.
	Minutes Converter = func(v float64) float64 { return v * 60 }
	// AutoFraction acepta fracción o porcentaje: valores mayores a 1 se
	// interpretan como porcentaje.
	AutoFraction Converter = func(v float64) float64 {
		if v > 1 {
			return v / 100
		}
		return v
	}
)

var converters = map[string]Converter{
	"":              Identity,
	"identity":      Identity,
	"percent":       Percent,
	"minutes":       Minutes,
	"auto_fraction": AutoFraction,
}

// ConverterByName resuelve el nombre usado en reglas YAML.
func ConverterByName(name string) (Converter, error) {
	c, ok := converters[name]
	if !ok {
		return nil, fmt.Errorf("unknown converter %q", name)
	}
	return c, nil
}

// FieldRule extrae un campo canónico de la primera ruta presente.
type FieldRule struct {
	Field   Field
	Paths   []string
	Convert Converter
}

// Mapping es una regla declarativa: extractores por campo, tabla de
// estados del vendor (claves en minúscula) y un post-proceso opcional
// para lo que no cabe en una tabla (slots AMS, estados compuestos).
type Mapping struct {
	Name        string
	Fields      []FieldRule
	States      map[string]canonical.Lifecycle
	Post        func(b *Builder)
	Passthrough bool
}

func (m *Mapping) Vendor() string { return m.Name }

func (m *Mapping) Map(b *Builder) {
	if m.Passthrough {
		b.KeepAll()
	}
	for _, field := range m.Fields {
		b.apply(field, m.States)
	}
	if m.Post != nil {
		m.Post(b)
	}
}
