package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenBytes is the entropy of every token, code and pending id.
const TokenBytes = 32

// GenerateRandomString generates random bytes of the given length, encoded to unpadded base64url.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// GenerateToken returns a new opaque token.
func GenerateToken() string {
	return GenerateRandomString(TokenBytes)
}
