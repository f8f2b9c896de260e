package id

import "github.com/google/uuid"

// New returns the identifier used for asset, variant, and outbox rows.
func New() string {
	return uuid.NewString()
}
