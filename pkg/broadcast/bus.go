// Package broadcast distribuye eventos en vivo a suscriptores locales
// (API, dashboards) sin bloquear nunca al productor.
//
// Si el canal de un suscriptor está lleno el evento se descarta para
// ese suscriptor: un consumidor lento ve menos eventos, no eventos
// viejos. Además el bus recuerda el último snapshot de cada impresora.
package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

var (
	// ErrSubscriberExists se retorna al suscribir un id repetido.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound se retorna al desuscribir un id desconocido.
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrBusClosed se retorna al operar sobre un bus cerrado.
	ErrBusClosed = errors.New("bus is closed")

	// ErrNilChannel se retorna al suscribir un canal nil.
	ErrNilChannel = errors.New("subscriber channel cannot be nil")
)

// Stats resume la actividad del bus.
type Stats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats son las métricas de un suscriptor.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	ch      chan<- *telemetry.Event
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus es el fan-out de eventos. Seguro para uso concurrente.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	latest      map[string]canonical.State
	closed      bool

	totalPublished atomic.Uint64
}

// New crea un Bus vacío.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		latest:      make(map[string]canonical.State),
	}
}

// Subscribe registra un canal. Los eventos recibidos no deben
// modificarse: se comparten entre suscriptores.
func (b *Bus) Subscribe(id string, ch chan<- *telemetry.Event) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe quita un suscriptor. No cierra su canal.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish entrega ev a cada suscriptor sin bloquear y actualiza el
// último estado si ev es un snapshot.
func (b *Bus) Publish(ev *telemetry.Event) error {
	if ev == nil {
		return nil
	}

	if ev.Kind == telemetry.KindSnapshot && ev.Snapshot != nil {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		// Los snapshots fuera de orden no pisan uno más nuevo
		if prev, ok := b.latest[ev.PrinterID]; !ok || !ev.Snapshot.ObservedAt.Before(prev.ObservedAt) {
			b.latest[ev.PrinterID] = *ev.Snapshot
		}
		b.mu.Unlock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Write implementa sink.Sink. Los descartes no son errores.
func (b *Bus) Write(_ context.Context, ev *telemetry.Event) error {
	return b.Publish(ev)
}

// Latest retorna el último snapshot publicado de una impresora.
func (b *Bus) Latest(printerID string) (canonical.State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.latest[printerID]
	return st, ok
}

// All retorna el último snapshot de cada impresora, ordenado por id.
func (b *Bus) All() []canonical.State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make([]canonical.State, 0, len(b.latest))
	for _, st := range b.latest {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].PrinterID < states[j].PrinterID })
	return states
}

// Stats retorna una copia de las métricas.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
		stats.Subscribers[id] = s
		stats.TotalSent += s.Sent
		stats.TotalDropped += s.Dropped
	}
	return stats
}

// Close detiene el bus. Las operaciones posteriores retornan ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	b.subscribers = make(map[string]*subscriber)
	return nil
}
