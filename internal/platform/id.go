package platform

import (
	"github.com/google/uuid"
)

// NewID returns a random (version 4) UUID string. It is used as the
// secret-id clients authenticate to the proxy with.
func NewID() string {
	return uuid.New().String()
}
