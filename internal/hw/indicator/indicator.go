package indicator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SnapGo/internal/debug"
	"github.com/cjeanneret/SnapGo/internal/hw/gpio"
)

// LED pulses a GPIO line each time a frame is written to disk.
// Pulses that arrive while the LED is already lit are merged into it.
type LED struct {
	gpio  gpio.Driver
	pin   int
	pulse time.Duration

	lit atomic.Bool
	wg  sync.WaitGroup
}

// NewLED configures pin as an output and drives it LOW.
func NewLED(g gpio.Driver, pin int, pulse time.Duration) (*LED, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	if err := g.WritePin(pin, gpio.Low); err != nil {
		return nil, err
	}
	if pulse <= 0 {
		pulse = 50 * time.Millisecond
	}
	return &LED{gpio: g, pin: pin, pulse: pulse}, nil
}

// Pulse lights the LED for the configured duration without blocking the caller.
// It reports whether a new pulse was started.
func (l *LED) Pulse() bool {
	if !l.lit.CompareAndSwap(false, true) {
		return false
	}
	if err := l.gpio.WritePin(l.pin, gpio.High); err != nil {
		debug.Errorf("indicator: pin %d HIGH: %v", l.pin, err)
		l.lit.Store(false)
		return false
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		time.Sleep(l.pulse)
		if err := l.gpio.WritePin(l.pin, gpio.Low); err != nil {
			debug.Errorf("indicator: pin %d LOW: %v", l.pin, err)
		}
		l.lit.Store(false)
	}()
	return true
}

// Close waits for a pending pulse and leaves the line LOW.
func (l *LED) Close() error {
	l.wg.Wait()
	return l.gpio.WritePin(l.pin, gpio.Low)
}
