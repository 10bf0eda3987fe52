package camera

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/gpio"
)

// GPIOTorch drives a torch LED wired to one GPIO pin (HIGH = lit).
type GPIOTorch struct {
	gpio gpio.Driver
	pin  int

	mu sync.Mutex
	on bool
}

// NewGPIOTorch configures pin as an output and switches the torch off.
func NewGPIOTorch(g gpio.Driver, pin int) (*GPIOTorch, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("torch pin %d setup: %w", pin, err)
	}
	if err := g.WritePin(pin, gpio.Low); err != nil {
		return nil, fmt.Errorf("torch pin %d off: %w", pin, err)
	}
	return &GPIOTorch{gpio: g, pin: pin}, nil
}

// Set switches the torch on or off.
func (t *GPIOTorch) Set(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	level := gpio.Low
	if on {
		level = gpio.High
	}
	debug.Verbose("Torch: pin %d -> %v", t.pin, level)
	if err := t.gpio.WritePin(t.pin, level); err != nil {
		return err
	}
	t.on = on
	return nil
}

// On reports the last level successfully written.
func (t *GPIOTorch) On() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}
