// Package idgen mints identifiers for brons, runs, proposals and artifacts.
package idgen

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// New returns a UUIDv7 so ids sort by creation time. It falls back to a
// random UUIDv4 if the clock source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Token returns 32 random bytes, URL-safe encoded. Tokens are bearer
// secrets; store only their hash.
func Token() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
