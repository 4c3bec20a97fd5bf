// Package store provides the small persistent key-value primitive the
// session machine needs for its failure-attempts counter: atomic-enough
// that a torn write is tolerated but a read never observes a non-integer.
package store

import "errors"

// ErrCASFailed indicates the counter's stored value did not match old.
var ErrCASFailed = errors.New("store: compare-and-swap failed")

// Counter is a single persisted uint16 that wraps at 65536.
type Counter interface {
	// Load returns the current value.
	Load() (uint16, error)
	// CAS stores new if the current value equals old, returning false
	// (without error) if it did not.
	CAS(old, new uint16) (bool, error)
}

// Incr loads, increments with wraparound, and CASes the counter, retrying
// on a lost race. Incr and Reset are the ways callers should mutate a Counter.
func Incr(c Counter) (uint16, error) {
	for {
		old, err := c.Load()
		if err != nil {
			return 0, err
		}
		next := old + 1 // uint16 wraps at 65536 by definition
		ok, err := c.CAS(old, next)
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}
}

// Reset sets the counter to 0, retrying on a lost race.
func Reset(c Counter) error {
	for {
		old, err := c.Load()
		if err != nil {
			return err
		}
		if old == 0 {
			return nil
		}
		ok, err := c.CAS(old, 0)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}
