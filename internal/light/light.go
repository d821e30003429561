// Package light drives the auxiliary flash LED.
package light

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Pin is an output line driving the light.
type Pin interface {
	Out(on bool) error
}

// Controller owns the light state. The zero state is off.
type Controller struct {
	pin Pin
	log zerolog.Logger

	mu sync.Mutex
	on bool
}

// NewController drives pin low and returns a controller in the off state.
func NewController(pin Pin, log zerolog.Logger) (*Controller, error) {
	if err := pin.Out(false); err != nil {
		return nil, fmt.Errorf("failed to initialise light pin: %w", err)
	}
	return &Controller{pin: pin, log: log.With().Str("component", "light").Logger()}, nil
}

// Toggle flips the light and returns the new state. If the pin cannot be
// driven the state is left unchanged.
func (c *Controller) Toggle() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := !c.on
	if err := c.pin.Out(next); err != nil {
		return c.on, fmt.Errorf("failed to drive light pin: %w", err)
	}
	c.on = next
	return c.on, nil
}

// IsOn reports the current state.
func (c *Controller) IsOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

// ServeHTTP toggles the light and answers with an empty body.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := c.log
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		log = l.With().Str("component", "light").Logger()
	}
	on, err := c.Toggle()
	if err != nil {
		log.Error().Err(err).Msg("toggle failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	log.Info().Bool("on", on).Msg("light toggled")
	w.WriteHeader(http.StatusOK)
}

// MemoryPin records the level without touching hardware.
type MemoryPin struct {
	mu    sync.Mutex
	level bool
}

func (p *MemoryPin) Out(on bool) error {
	p.mu.Lock()
	p.level = on
	p.mu.Unlock()
	return nil
}

// Level returns the last level written.
func (p *MemoryPin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
