package encryption

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// HashToken returns the storage key for a bearer or refresh token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// Fingerprint returns a short, non-reversible identifier for a secret, safe to put in logs.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:4])
}
