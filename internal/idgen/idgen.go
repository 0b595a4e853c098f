// Package idgen generates the opaque identifiers used across the schema.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const hexAlphabetLen = 8

// New returns an 8-hex-char opaque ID, the canonical entity identifier
// shape used by every aggregate in the schema (§3).
func New() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a fatal environment error; fall back to a
		// UUID-derived value rather than panicking mid-request.
		return uuid.NewString()[:hexAlphabetLen]
	}
	return hex.EncodeToString(buf)
}

// NewUUID returns a full UUIDv4 string, used for correlation identifiers
// (jobs, job attempts, audit events) where the natural key is a UUID
// rather than the short opaque entity id.
func NewUUID() string {
	return uuid.NewString()
}
