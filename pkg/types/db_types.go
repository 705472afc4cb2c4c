package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringSlice is a custom type for handling string slices in GORM
type StringSlice []string

// Value implements the driver.Valuer interface for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for StringSlice
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = []string{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}

	if len(data) == 0 {
		*s = []string{}
		return nil
	}

	return json.Unmarshal(data, s)
}

// ClientRecord is the persisted form of a client registration. The registration itself is an
// opaque JSON blob so new metadata fields never require a migration.
type ClientRecord struct {
	ClientID  string    `gorm:"primaryKey;column:client_id"`
	Data      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ClientRecord) TableName() string {
	return "oauth_clients"
}

// Decode unmarshals the registration blob.
func (r *ClientRecord) Decode() (*ClientInfo, error) {
	var info ClientInfo
	if err := json.Unmarshal([]byte(r.Data), &info); err != nil {
		return nil, fmt.Errorf("failed to decode client %s: %w", r.ClientID, err)
	}
	return &info, nil
}

// AccessToken is an issued bearer token. TokenHash is the SHA-256 of the token, the token itself
// is never stored.
type AccessToken struct {
	TokenHash string      `gorm:"primaryKey;column:token_hash"`
	ClientID  string      `gorm:"not null;index"`
	UserID    string      `gorm:"not null;index"`
	Scopes    StringSlice `gorm:"type:text"`
	// ExpiresAt is seconds since the Unix epoch.
	ExpiresAt int64     `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (AccessToken) TableName() string {
	return "oauth_access_tokens"
}

// RefreshToken is a single-use refresh token. ExpiresAt of zero means it never expires.
type RefreshToken struct {
	TokenHash string      `gorm:"primaryKey;column:token_hash"`
	ClientID  string      `gorm:"not null;index"`
	UserID    string      `gorm:"not null;index"`
	Scopes    StringSlice `gorm:"type:text"`
	ExpiresAt int64       `gorm:"not null;default:0"`
	CreatedAt time.Time   `gorm:"autoCreateTime"`
}

func (RefreshToken) TableName() string {
	return "oauth_refresh_tokens"
}

// UserCredential holds one encrypted upstream credential per user. Ciphertext, IV and AuthTag are
// base64 encoded and are only meaningful together.
type UserCredential struct {
	UserID     string    `gorm:"primaryKey;column:user_id"`
	Ciphertext string    `gorm:"type:text;not null"`
	IV         string    `gorm:"column:iv;not null"`
	AuthTag    string    `gorm:"column:auth_tag;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (UserCredential) TableName() string {
	return "user_credentials"
}
