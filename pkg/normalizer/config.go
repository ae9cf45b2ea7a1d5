package normalizer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

// RuleConfig describe en YAML una regla declarativa para un vendor sin
// soporte en código:
//
//	vendor: snapmaker
//	fields:
//	  - field: progress
//	    paths: [status.progress]
//	    convert: percent
//	states:
//	  RUNNING: printing
type RuleConfig struct {
	Vendor      string            `yaml:"vendor"`
	Passthrough bool              `yaml:"passthrough"`
	Fields      []FieldConfig     `yaml:"fields"`
	States      map[string]string `yaml:"states"`
}

// FieldConfig es un FieldRule en YAML.
type FieldConfig struct {
	Field   string   `yaml:"field"`
	Paths   []string `yaml:"paths"`
	Convert string   `yaml:"convert"`
}

var knownFields = map[Field]bool{
	FieldLifecycle: true, FieldJobID: true, FieldJobName: true, FieldProgress: true,
	FieldElapsedSeconds: true, FieldRemainingSeconds: true, FieldNozzleTemp: true,
	FieldBedTemp: true, FieldAMSSlot: true, FieldMaterial: true,
	FieldFilamentUsedMM: true, FieldJobFilamentMM: true,
}

// Build valida la configuración y la convierte en Rule.
func (c RuleConfig) Build() (Rule, error) {
	vendor := strings.ToLower(strings.TrimSpace(c.Vendor))
	if vendor == "" {
		return nil, fmt.Errorf("rule without vendor")
	}

	mapping := &Mapping{
		Name:        vendor,
		Passthrough: c.Passthrough,
		States:      make(map[string]canonical.Lifecycle, len(c.States)),
	}

	for i, fc := range c.Fields {
		field := Field(fc.Field)
		if !knownFields[field] {
			return nil, fmt.Errorf("vendor %s: field #%d: unknown canonical field %q", vendor, i, fc.Field)
		}
		if len(fc.Paths) == 0 {
			return nil, fmt.Errorf("vendor %s: field %s: no paths", vendor, fc.Field)
		}
		convert, err := ConverterByName(fc.Convert)
		if err != nil {
			return nil, fmt.Errorf("vendor %s: field %s: %w", vendor, fc.Field, err)
		}
		mapping.Fields = append(mapping.Fields, FieldRule{Field: field, Paths: fc.Paths, Convert: convert})
	}

	for vendorState, name := range c.States {
		lifecycle, ok := canonical.ParseLifecycle(strings.ToLower(name))
		if !ok {
			return nil, fmt.Errorf("vendor %s: state %q: unknown lifecycle %q", vendor, vendorState, name)
		}
		mapping.States[strings.ToLower(vendorState)] = lifecycle
	}

	return mapping, nil
}

// LoadRules lee un archivo YAML con una lista de reglas.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error leyendo reglas %s: %w", path, err)
	}

	var configs []RuleConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("error parseando reglas %s: %w", path, err)
	}
	return BuildRules(configs)
}

// BuildRules convierte una lista de RuleConfig.
func BuildRules(configs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(configs))
	for _, c := range configs {
		rule, err := c.Build()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
