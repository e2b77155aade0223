package lib

import (
	"sync"
)

// Waiter lets one goroutine park until another pokes it. Wait returns a
// channel closed by the next Poke; repeated Waits before a Poke share the
// same channel, and a Poke with nobody waiting is a no-op.
type Waiter struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewWaiter() *Waiter {
	return &Waiter{}
}

func (w *Waiter) Wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ch == nil {
		w.ch = make(chan struct{})
	}
	return w.ch
}

func (w *Waiter) Poke() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ch == nil {
		return
	}
	close(w.ch)
	w.ch = nil
}
