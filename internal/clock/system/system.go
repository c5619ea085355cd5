// Package system is the wall clock behind action timestamps and artifact
// file names.
package system

import "time"

// Clock satisfies node.Clock. Readings are UTC and truncated to the
// millisecond so a history record and the artifact names derived from the
// same reading agree.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now reads the wall clock.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
