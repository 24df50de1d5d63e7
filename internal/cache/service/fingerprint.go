package service

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"bastion/internal/cache/models"
)

// Fingerprint is the hex BLAKE2b-256 digest of a stored payload.
func Fingerprint(value []byte) string {
	sum := blake2b.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// verify reports whether entry's payload still matches its fingerprint.
// Entries written without one always pass.
func (s *Service) verify(entry *models.Entry) bool {
	if !s.fingerprint || entry.Fingerprint == "" {
		return true
	}
	return Fingerprint(entry.Value) == entry.Fingerprint
}
