// Package uuid mints action identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator satisfies node.IDGenerator. IDs are UUIDv7, so they sort in the
// order actions were admitted.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID mints one action ID.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint action id: %w", err)
	}
	return id.String(), nil
}
