// Package idempotency generates the per-attempt keys that correlate a payment
// session with the gateway transaction created for it.
package idempotency

import "github.com/google/uuid"

type KeyGenerator interface {
	NewKey() string
}

// UUIDKeyGenerator yields random (version 4) UUIDs in canonical textual form.
// It holds no state, so a zero value is safe for concurrent use.
type UUIDKeyGenerator struct{}

func NewUUIDKeyGenerator() UUIDKeyGenerator {
	return UUIDKeyGenerator{}
}

func (UUIDKeyGenerator) NewKey() string {
	return uuid.NewString()
}
