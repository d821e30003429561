// Package netevent carries network connectivity changes to the parts of
// the appliance that react to them.
package netevent

import (
	"sync"
	"time"
)

// Kind is the type of connectivity change
type Kind int

const (
	Connected Kind = iota + 1
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one connectivity change.
type Event struct {
	Kind   Kind
	Source string
	At     time.Time
}

// Handler observes events of one kind.
type Handler func(Event)

// Bus dispatches events synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for events of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[k] = append(b.handlers[k], h)
}

// Publish delivers ev to every handler subscribed to its kind.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}
