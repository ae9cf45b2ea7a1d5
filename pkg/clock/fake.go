package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock es un Clock determinista para tests. El tiempo solo avanza
// con Advance; After y los tickers quedan pendientes hasta entonces.
type FakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration // > 0 para tickers
	stopped  bool
}

// Fake crea un FakeClock detenido en initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now retorna el tiempo simulado.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registra un waiter que dispara cuando el reloj supera d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: channel})
	c.cond.Broadcast()
	return channel
}

// NewTicker crea un ticker simulado. Panics si d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{deadline: c.current.Add(d), channel: channel, interval: d}
	c.waiters = append(c.waiters, waiter)
	c.cond.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Advance mueve el reloj d hacia adelante y dispara, en orden de
// deadline, todos los waiters vencidos. Los envíos no bloquean.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current

	var fire []*fakeWaiter
	var remaining []*fakeWaiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			remaining = append(remaining, w)
			continue
		}
		fire = append(fire, w)
		if w.interval > 0 {
			for !w.deadline.After(target) {
				w.deadline = w.deadline.Add(w.interval)
			}
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline.Before(fire[j].deadline) })
	for _, w := range fire {
		select {
		case w.channel <- target:
		default:
		}
	}
}

// BlockUntil espera hasta que haya al menos n waiters pendientes.
// Sirve para sincronizar un test con una goroutine que va a dormir.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.cond.Wait()
	}
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
