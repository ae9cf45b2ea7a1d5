// Package clock abstrae el tiempo para que el agente sea testeable.
// Producción usa Real(); los tests usan Fake() y avanzan el reloj a mano.
package clock

import "time"

// Clock es el subconjunto de operaciones de tiempo que usa el agente:
// timestamps de ingestión, backoff de sinks y ticker del poller SNMP.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker envuelve un timer periódico. C tiene capacidad 1: si el
// consumidor se atrasa, los ticks se descartan.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop apaga el ticker. No cierra C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real retorna un Clock respaldado por el paquete time.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
