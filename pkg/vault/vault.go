// Package vault stores one encrypted upstream credential per user.
package vault

import (
	"errors"
	"fmt"

	"github.com/obot-platform/mcp-oauth-vault/pkg/db"
	"github.com/obot-platform/mcp-oauth-vault/pkg/encryption"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

// MinMasterSecretLength is the shortest master secret accepted.
const MinMasterSecretLength = 16

var (
	// ErrMasterSecretTooShort is returned by New for weak master secrets.
	ErrMasterSecretTooShort = fmt.Errorf("master secret must be at least %d characters", MinMasterSecretLength)
	// ErrCredentialUnreadable means a stored credential failed authentication. It always wraps
	// encryption.ErrIntegrity and is never reported as a missing credential.
	ErrCredentialUnreadable = fmt.Errorf("stored credential is unreadable: %w", encryption.ErrIntegrity)
)

// Store is the persistence the vault needs. *db.Store satisfies it.
type Store interface {
	PutCredential(cred *types.UserCredential) error
	GetCredential(userID string) (*types.UserCredential, error)
	DeleteCredential(userID string) (bool, error)
	CredentialExists(userID string) (bool, error)
}

// Vault encrypts credentials before they reach the store and decrypts them on the way out
type Vault struct {
	store  Store
	cipher *encryption.Cipher
	log    *zap.Logger
}

// New derives the vault key from masterSecret. The secret and key are not retained anywhere
// except inside the cipher.
func New(store Store, masterSecret string, log *zap.Logger) (*Vault, error) {
	if len(masterSecret) < MinMasterSecretLength {
		return nil, ErrMasterSecretTooShort
	}
	if log == nil {
		log = zap.NewNop()
	}

	c, err := encryption.NewCipher(encryption.DeriveKey(masterSecret))
	if err != nil {
		return nil, err
	}

	return &Vault{
		store:  store,
		cipher: c,
		log:    log,
	}, nil
}

// Put encrypts plaintext under a fresh nonce and replaces any credential stored for userID
func (v *Vault) Put(userID, plaintext string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	env, err := v.cipher.Seal([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	if err := v.store.PutCredential(&types.UserCredential{
		UserID:     userID,
		Ciphertext: env.Ciphertext,
		IV:         env.IV,
		AuthTag:    env.AuthTag,
	}); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get returns the credential for userID. A missing credential is (_, false, nil). A credential
// that fails decryption returns ErrCredentialUnreadable.
func (v *Vault) Get(userID string) (string, bool, error) {
	cred, err := v.store.GetCredential(userID)
	if errors.Is(err, db.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to read credential: %w", err)
	}

	plaintext, err := v.cipher.Open(&encryption.Envelope{
		Ciphertext: cred.Ciphertext,
		IV:         cred.IV,
		AuthTag:    cred.AuthTag,
		Algorithm:  encryption.Algorithm,
	})
	if err != nil {
		v.log.Error("credential failed integrity check", zap.String("user_id", userID))
		return "", false, ErrCredentialUnreadable
	}

	return string(plaintext), true, nil
}

// Delete removes the credential for userID and reports whether one existed
func (v *Vault) Delete(userID string) (bool, error) {
	return v.store.DeleteCredential(userID)
}

// Exists reports whether a credential is stored for userID
func (v *Vault) Exists(userID string) (bool, error) {
	return v.store.CredentialExists(userID)
}
