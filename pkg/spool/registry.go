// Package spool mantiene qué spool está cargado en cada slot de cada
// impresora y convierte longitud de filamento a masa.
package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

// Registry maneja las cargas de spools por impresora. Con dir vacío
// trabaja solo en memoria; si no, persiste un JSON por impresora.
type Registry struct {
	dir    string
	cache  map[string]*Loadout
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry crea un Registry.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creando directorio de spools: %w", err)
		}
	}
	return &Registry{
		dir:    dir,
		cache:  make(map[string]*Loadout),
		logger: logger,
	}, nil
}

// Assign carga un spool en un slot. slot == canonical.ExternalSlot
// asigna el spool externo.
func (r *Registry) Assign(printerID string, slot int, s Spool) error {
	if printerID == "" {
		return fmt.Errorf("spool: printer id vacío")
	}
	if s.ID == "" {
		return fmt.Errorf("spool: id vacío")
	}
	if slot < canonical.ExternalSlot {
		return fmt.Errorf("spool: slot inválido %d", slot)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loadout := r.loadoutLocked(printerID)
	s.PrinterID = printerID
	s.Slot = canonical.Int(slot)
	if slot == canonical.ExternalSlot {
		loadout.External = &s
	} else {
		loadout.Slots[slot] = &s
	}
	loadout.UpdatedAt = time.Now().UTC()

	return r.saveToDisk(loadout)
}

// Unassign descarga el spool de un slot.
func (r *Registry) Unassign(printerID string, slot int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	loadout, exists := r.cache[printerID]
	if !exists {
		return fmt.Errorf("spool: impresora sin carga: %s", printerID)
	}
	if slot == canonical.ExternalSlot {
		loadout.External = nil
	} else {
		delete(loadout.Slots, slot)
	}
	loadout.UpdatedAt = time.Now().UTC()

	return r.saveToDisk(loadout)
}

// Loadout retorna una copia de la carga de una impresora, o nil.
func (r *Registry) Loadout(printerID string) *Loadout {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loadout, exists := r.cache[printerID]
	if !exists {
		return nil
	}
	return loadout.clone()
}

// Spools retorna todos los spools asignados.
func (r *Registry) Spools() []Spool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Spool
	for _, loadout := range r.cache {
		for _, s := range loadout.Slots {
			out = append(out, *s)
		}
		if loadout.External != nil {
			out = append(out, *loadout.External)
		}
	}
	return out
}

// Resolve retorna el spool que alimenta el slot indicado. Sin asignación
// retorna un spool sintético con id estable por impresora y slot, así el
// consumo se contabiliza igual.
func (r *Registry) Resolve(printerID string, slot *int, material string) Spool {
	r.mu.RLock()
	var assigned *Spool
	if loadout, exists := r.cache[printerID]; exists {
		switch {
		case slot == nil:
			if len(loadout.Slots) == 0 && loadout.External != nil {
				assigned = loadout.External
			}
		case *slot == canonical.ExternalSlot:
			assigned = loadout.External
		default:
			assigned = loadout.Slots[*slot]
		}
	}
	r.mu.RUnlock()

	if assigned != nil {
		s := *assigned
		if s.Material == "" {
			s.Material = material
		}
		return s
	}

	s := Spool{
		ID:         syntheticID(printerID, slot),
		Material:   material,
		DiameterMM: DefaultDiameterMM,
		PrinterID:  printerID,
	}
	if slot != nil {
		s.Slot = canonical.Int(*slot)
	}
	return s
}

func syntheticID(printerID string, slot *int) string {
	switch {
	case slot == nil:
		return printerID + "/default"
	case *slot == canonical.ExternalSlot:
		return printerID + "/external"
	default:
		return fmt.Sprintf("%s/slot-%d", printerID, *slot)
	}
}

// LoadAll carga todas las cargas guardadas en memoria
func (r *Registry) LoadAll() error {
	if r.dir == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("error leyendo directorio de spools: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.Warn("error leyendo carga de spools", "file", entry.Name(), "err", err)
			continue
		}

		var loadout Loadout
		if err := json.Unmarshal(data, &loadout); err != nil {
			r.logger.Warn("error parseando carga de spools", "file", entry.Name(), "err", err)
			continue
		}
		if loadout.Slots == nil {
			loadout.Slots = make(map[int]*Spool)
		}
		r.cache[loadout.PrinterID] = &loadout
	}

	return nil
}

// --- Métodos privados ---

func (r *Registry) loadoutLocked(printerID string) *Loadout {
	loadout, exists := r.cache[printerID]
	if !exists {
		loadout = &Loadout{PrinterID: printerID, Slots: make(map[int]*Spool)}
		r.cache[printerID] = loadout
	}
	return loadout
}

func (r *Registry) saveToDisk(loadout *Loadout) error {
	if r.dir == "" {
		return nil
	}
	filePath := filepath.Join(r.dir, getFileName(loadout.PrinterID))

	data, err := json.MarshalIndent(loadout, "", "  ")
	if err != nil {
		return fmt.Errorf("error serializando carga: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("error escribiendo carga: %w", err)
	}

	return nil
}

func getFileName(printerID string) string {
	// Reemplazar caracteres especiales para nombre de archivo seguro
	safeID := printerID
	for _, ch := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		safeID = strings.ReplaceAll(safeID, ch, "_")
	}
	return safeID + ".json"
}
