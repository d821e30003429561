package light

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIOPin drives a host GPIO line through periph.io.
type GPIOPin struct {
	pin gpio.PinIO
}

// OpenGPIOPin initialises the host drivers and looks up the named pin
// (for example "GPIO4").
func OpenGPIOPin(name string) (*GPIOPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise host drivers: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return &GPIOPin{pin: p}, nil
}

func (p *GPIOPin) Out(on bool) error {
	return p.pin.Out(gpio.Level(on))
}

func (p *GPIOPin) String() string {
	return p.pin.Name()
}
