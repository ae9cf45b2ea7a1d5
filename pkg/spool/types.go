package spool

import (
	"math"
	"strings"
	"time"
)

// DefaultDiameterMM es el diámetro de filamento más común.
const DefaultDiameterMM = 1.75

// DefaultDensity se usa para materiales fuera de la tabla (g/cm³).
const DefaultDensity = 1.24

// densities en g/cm³ por familia de material.
var densities = map[string]float64{
	"PLA":  1.24,
	"PETG": 1.27,
	"PET":  1.27,
	"ABS":  1.04,
	"ASA":  1.07,
	"TPU":  1.21,
	"PA":   1.14,
	"PC":   1.20,
	"PVA":  1.23,
	"HIPS": 1.04,
}

// Density retorna la densidad del material. Acepta variantes como
// "PLA-CF" o "PETG Basic" usando el prefijo reconocido más largo.
func Density(material string) float64 {
	name := strings.ToUpper(strings.TrimSpace(material))
	if d, ok := densities[name]; ok {
		return d
	}
	best := ""
	for family := range densities {
		if strings.HasPrefix(name, family) && len(family) > len(best) {
			best = family
		}
	}
	if best != "" {
		return densities[best]
	}
	return DefaultDensity
}

// Spool es una bobina física de filamento.
type Spool struct {
	ID             string  `json:"id"`
	Material       string  `json:"material"`
	Brand          string  `json:"brand,omitempty"`
	Color          string  `json:"color,omitempty"`
	DiameterMM     float64 `json:"diameter_mm,omitempty"`
	DensityGCM3    float64 `json:"density_g_cm3,omitempty"`
	RemainingGrams float64 `json:"remaining_grams,omitempty"`

	// Asignación actual. Slot == canonical.ExternalSlot es el spool externo.
	PrinterID string `json:"printer_id,omitempty"`
	Slot      *int   `json:"slot,omitempty"`
}

func (s Spool) diameter() float64 {
	if s.DiameterMM > 0 {
		return s.DiameterMM
	}
	return DefaultDiameterMM
}

func (s Spool) density() float64 {
	if s.DensityGCM3 > 0 {
		return s.DensityGCM3
	}
	return Density(s.Material)
}

// GramsForLength convierte milímetros de filamento a gramos.
func (s Spool) GramsForLength(mm float64) float64 {
	if mm <= 0 {
		return 0
	}
	radius := s.diameter() / 2
	volumeCM3 := math.Pi * radius * radius * mm / 1000
	return volumeCM3 * s.density()
}

// LengthForGrams es la conversión inversa.
func (s Spool) LengthForGrams(grams float64) float64 {
	if grams <= 0 {
		return 0
	}
	radius := s.diameter() / 2
	return grams / s.density() * 1000 / (math.Pi * radius * radius)
}

// Loadout es la carga de spools de una impresora: slots AMS/MMU y el
// spool externo.
type Loadout struct {
	PrinterID string         `json:"printer_id"`
	Slots     map[int]*Spool `json:"slots"`
	External  *Spool         `json:"external,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (l *Loadout) clone() *Loadout {
	out := &Loadout{PrinterID: l.PrinterID, Slots: make(map[int]*Spool, len(l.Slots)), UpdatedAt: l.UpdatedAt}
	for slot, s := range l.Slots {
		copied := *s
		out.Slots[slot] = &copied
	}
	if l.External != nil {
		copied := *l.External
		out.External = &copied
	}
	return out
}
