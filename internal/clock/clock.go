// Package clock provides an injectable time source so that engines never
// read the wall clock directly.
package clock

import "time"

// Clock is the time source injected into engines and repositories.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant. Test helper.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }
