// Package gpio declares the power/reset/UART-control-line contract the
// session machine drives during power sequencing and teardown. No GPIO
// driver is implemented here — wiring a Lines to real hardware (sysfs,
// a GPIO character device, an I/O expander) is an external collaborator.
package gpio

import (
	"context"
	"time"
)

// Pin identifies one of the lines a Lines implementation exposes.
type Pin int

const (
	Power Pin = iota
	Reset
	RX
)

// Lines is the set of discrete signals the session machine owns exclusively
// for the lifetime of an Open/Close cycle.
type Lines interface {
	// Power drives the power pin high or low and holds it for the given
	// duration before returning, implementing a vendor's pulse-width
	// power-on/off sequence.
	Power(ctx context.Context, high bool, hold time.Duration) error
	// Reset drives the reset pin, analogous to Power.
	Reset(ctx context.Context, high bool, hold time.Duration) error
	// AwaitQuiescent blocks until pin has held a stable level for at least
	// settle, or ctx is done.
	AwaitQuiescent(ctx context.Context, pin Pin, settle time.Duration) error
	// Release configures every owned pin as a high-impedance input, called
	// once at the end of a teardown.
	Release() error
}

// Inverted wraps a Lines whose Power/Reset semantics are active-low,
// presenting an active-high interface to callers.
type Inverted struct {
	Lines
}

func (i Inverted) Power(ctx context.Context, high bool, hold time.Duration) error {
	return i.Lines.Power(ctx, !high, hold)
}

func (i Inverted) Reset(ctx context.Context, high bool, hold time.Duration) error {
	return i.Lines.Reset(ctx, !high, hold)
}
