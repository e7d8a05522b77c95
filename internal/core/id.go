package core

import "github.com/google/uuid"

// NewID returns a random identifier for tasks created without one and for
// recorded runs.
func NewID() string {
	return uuid.NewString()
}
