package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// KeyIterations is the PBKDF2 iteration count for the master secret.
	KeyIterations = 100_000

	Algorithm = "AES-256-GCM"
)

// keySalt is fixed so the same master secret always yields the same key across restarts.
var keySalt = []byte("mcp-oauth-vault/credential-key/v1")

// ErrIntegrity is returned when a sealed value cannot be authenticated or decoded.
var ErrIntegrity = errors.New("encrypted data failed integrity check")

// Envelope is a sealed value with its parts stored separately, all base64 encoded.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Algorithm  string `json:"algorithm"`
}

// DeriveKey stretches an operator supplied secret into a 256-bit key with PBKDF2-SHA256.
func DeriveKey(masterSecret string) []byte {
	return pbkdf2.Key([]byte(masterSecret), keySalt, KeyIterations, KeySize, sha256.New)
}

// Cipher seals and opens values with AES-256-GCM. The key is held unexported and is never
// rendered by any method.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, expected %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) (*Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[split:]),
		Algorithm:  Algorithm,
	}, nil
}

// Open authenticates and decrypts an envelope. Any failure, including malformed encoding, returns
// an error wrapping ErrIntegrity and no plaintext.
func (c *Cipher) Open(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrIntegrity
	}
	if env.Algorithm != "" && env.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrIntegrity, env.Algorithm)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding", ErrIntegrity)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: iv encoding", ErrIntegrity)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: auth tag encoding", ErrIntegrity)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
