// Package system implements the engine clock on the wall clock.
package system

import "time"

// Clock satisfies engine.Clock with time.Now. The zero value is ready to use.
type Clock struct{}

// Now returns the current UTC time.
func (Clock) Now() time.Time { return time.Now().UTC() }
