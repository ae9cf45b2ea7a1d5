// Package store persiste snapshots, registros de consumo y el inventario
// de spools en un archivo bolt local. Todas las escrituras son
// idempotentes: reentregar un evento no duplica datos ni descuenta
// filamento dos veces.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/codec"
	"github.com/asaavedra/filament-agent/pkg/sink"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/tracker"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketUsage     = []byte("usage")
	bucketSpools    = []byte("spools")
)

// ErrNotFound se retorna cuando una clave no existe.
var ErrNotFound = errors.New("store: not found")

// Store es el sink de persistencia local.
type Store struct {
	db *bolt.DB
}

// Open abre (o crea) la base en path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketUsage, bucketSpools} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Write implementa sink.Sink.
func (s *Store) Write(ctx context.Context, ev *telemetry.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	switch {
	case ev.Kind == telemetry.KindSnapshot && ev.Snapshot != nil:
		_, err = s.PutSnapshot(*ev.Snapshot)
	case ev.Kind == telemetry.KindUsage && ev.Usage != nil:
		_, err = s.PutUsage(*ev.Usage)
	default:
		return &sink.SinkError{Sink: "store", Operation: "write", Err: fmt.Errorf("unsupported event kind %q", ev.Kind), PrinterID: ev.PrinterID, Permanent: true}
	}
	if err != nil {
		return &sink.SinkError{Sink: "store", Operation: "write", Err: err, PrinterID: ev.PrinterID}
	}
	return nil
}

// Close cierra la base.
func (s *Store) Close() error {
	return s.db.Close()
}

// snapshotKey ordena por impresora y luego por tiempo: printer 0x00 unixnano(BE).
func snapshotKey(printerID string, at time.Time) []byte {
	key := make([]byte, 0, len(printerID)+9)
	key = append(key, printerID...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	return key
}

func printerPrefix(printerID string) []byte {
	return append([]byte(printerID), 0)
}

// PutSnapshot guarda el estado si no existe uno para (printer, timestamp).
// Retorna false si ya estaba.
func (s *Store) PutSnapshot(st canonical.State) (bool, error) {
	if st.PrinterID == "" || st.ObservedAt.IsZero() {
		return false, fmt.Errorf("snapshot needs printer id and timestamp")
	}
	data, err := codec.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}

	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		key := snapshotKey(st.PrinterID, st.ObservedAt)
		if b.Get(key) != nil {
			return nil
		}
		inserted = true
		return b.Put(key, data)
	})
	return inserted, err
}

// LatestSnapshot retorna el último estado guardado de una impresora.
func (s *Store) LatestSnapshot(printerID string) (canonical.State, error) {
	var st canonical.State
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		prefix := printerPrefix(printerID)

		// Posicionar después del último registro del prefijo y retroceder
		end := append(append([]byte{}, prefix[:len(prefix)-1]...), 1)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		return codec.Unmarshal(v, &st)
	})
	return st, err
}

// Printers retorna los ids con al menos un snapshot guardado.
func (s *Store) Printers() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, _ := c.First(); k != nil; {
			i := bytes.IndexByte(k, 0)
			if i < 0 {
				k, _ = c.Next()
				continue
			}
			id := string(k[:i])
			ids = append(ids, id)
			// Saltar al siguiente printer
			k, _ = c.Seek(append([]byte(id), 1))
		}
		return nil
	})
	return ids, err
}

// PutUsage guarda un registro cerrado y descuenta su masa del spool.
// Ambas cosas ocurren en la misma transacción y solo la primera vez que
// se ve la clave (job, spool, fin).
func (s *Store) PutUsage(record tracker.UsageRecord) (bool, error) {
	if record.JobID == "" || record.SpoolID == "" || record.EndedAt.IsZero() {
		return false, fmt.Errorf("usage record %s is incomplete", record.ID)
	}
	data, err := codec.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode usage: %w", err)
	}

	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		usage := tx.Bucket(bucketUsage)
		key := []byte(record.Key())
		if usage.Get(key) != nil {
			return nil
		}
		if err := usage.Put(key, data); err != nil {
			return err
		}
		inserted = true

		spools := tx.Bucket(bucketSpools)
		raw := spools.Get([]byte(record.SpoolID))
		if raw == nil {
			// Spool no inventariado (sintético): no hay saldo que descontar
			return nil
		}
		var sp spool.Spool
		if err := codec.Unmarshal(raw, &sp); err != nil {
			return fmt.Errorf("decode spool %s: %w", record.SpoolID, err)
		}
		sp.RemainingGrams -= record.WeightGrams
		if sp.RemainingGrams < 0 {
			sp.RemainingGrams = 0
		}
		encoded, err := codec.Marshal(sp)
		if err != nil {
			return err
		}
		return spools.Put([]byte(sp.ID), encoded)
	})
	if err != nil {
		inserted = false
	}
	return inserted, err
}

// UsageByJob retorna los registros de un trabajo, ordenados por inicio.
func (s *Store) UsageByJob(jobID string) ([]tracker.UsageRecord, error) {
	// Las claves empiezan con el job id
	prefix := []byte(jobID + "|")
	var records []tracker.UsageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r tracker.UsageRecord
			if err := codec.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode usage %s: %w", k, err)
			}
			records = append(records, r)
		}
		return nil
	})
	sortRecords(records)
	return records, err
}

// UsageByPrinter retorna los registros de una impresora cerrados en
// [from, to). Un to cero significa sin límite superior.
func (s *Store) UsageByPrinter(printerID string, from, to time.Time) ([]tracker.UsageRecord, error) {
	var records []tracker.UsageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsage).ForEach(func(k, v []byte) error {
			var r tracker.UsageRecord
			if err := codec.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode usage %s: %w", k, err)
			}
			if r.PrinterID != printerID || r.EndedAt.Before(from) {
				return nil
			}
			if !to.IsZero() && !r.EndedAt.Before(to) {
				return nil
			}
			records = append(records, r)
			return nil
		})
	})
	sortRecords(records)
	return records, err
}

func sortRecords(records []tracker.UsageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// SeedSpool registra un spool en el inventario. Si ya existe conserva el
// saldo actual: los descuentos ya aplicados no se pierden al reiniciar.
func (s *Store) SeedSpool(sp spool.Spool) error {
	if sp.ID == "" {
		return fmt.Errorf("spool without id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpools)
		if raw := b.Get([]byte(sp.ID)); raw != nil {
			var existing spool.Spool
			if err := codec.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode spool %s: %w", sp.ID, err)
			}
			sp.RemainingGrams = existing.RemainingGrams
		}
		data, err := codec.Marshal(sp)
		if err != nil {
			return err
		}
		return b.Put([]byte(sp.ID), data)
	})
}

// Spool retorna el spool con su saldo actual.
func (s *Store) Spool(id string) (spool.Spool, error) {
	var sp spool.Spool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSpools).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return codec.Unmarshal(raw, &sp)
	})
	return sp, err
}

// Remaining retorna los gramos que le quedan al spool.
func (s *Store) Remaining(id string) (float64, error) {
	sp, err := s.Spool(id)
	if err != nil {
		return 0, err
	}
	return sp.RemainingGrams, nil
}
