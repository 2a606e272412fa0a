// Package idgen generates random identifiers.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex characters, e.g. "esc_…".
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}
