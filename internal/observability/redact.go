package observability

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintKey derives a stable one-way fingerprint for an API key.
// Raw key material must never reach logs or the snapshot file; every
// reference to a key outside process memory uses this value.
func FingerprintKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
