// Package latch signals "a new frame was acquired" to collaborators that synchronize on it, such as a recorder.
package latch

import (
	"context"
	"sync"

	"github.com/allape/gogger"
)

var l = gogger.New("latch")

// Latch is set once per acquired frame, clearing it belongs to whoever waits on it.
type Latch interface {
	Set()
}

// Event is an in process Latch.
type Event struct {
	locker sync.Locker
	set    bool
	ch     chan struct{}
}

func NewEvent() *Event {
	return &Event{
		locker: &sync.Mutex{},
		ch:     make(chan struct{}),
	}
}

func (e *Event) Set() {
	e.locker.Lock()
	defer e.locker.Unlock()

	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

func (e *Event) IsSet() bool {
	e.locker.Lock()
	defer e.locker.Unlock()
	return e.set
}

// Take clears the event and reports whether it was set.
func (e *Event) Take() bool {
	e.locker.Lock()
	defer e.locker.Unlock()

	if !e.set {
		return false
	}
	e.set = false
	e.ch = make(chan struct{})
	return true
}

// Wait blocks until the event is set or ctx is done, it does not clear the event.
func (e *Event) Wait(ctx context.Context) error {
	e.locker.Lock()
	ch := e.ch
	e.locker.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Multi sets every latch it holds.
type Multi []Latch

func (m Multi) Set() {
	for _, latch := range m {
		latch.Set()
	}
}

// Nop drops every Set.
type Nop struct{}

func (Nop) Set() {}
