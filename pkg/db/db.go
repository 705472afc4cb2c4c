package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/obot-platform/mcp-oauth-vault/pkg/encryption"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultSQLitePath is used when no DSN is configured.
const DefaultSQLitePath = "data/oauth_vault.db"

var (
	// ErrNotFound is returned for any absent client, token or credential.
	ErrNotFound = errors.New("record not found")
	// ErrExpired is returned for a token that was found but had expired. It also matches
	// ErrNotFound because the row is gone once this is returned.
	ErrExpired = fmt.Errorf("%w: expired", ErrNotFound)
)

// Store represents the database connection and operations
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
	now    func() time.Time
	log    *zap.Logger
}

// New creates a new database connection, sets up the schema and sweeps expired tokens
func New(dsn string) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if dsn == "" {
		dsn = DefaultSQLitePath
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// SQLite allows a single writer; one connection serializes all statements.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	store := &Store{
		db:     gormDB,
		dbType: dbType,
		now:    time.Now,
		log:    zap.L().Named("db"),
	}

	if err := store.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	if err := store.CleanupExpiredTokens(); err != nil {
		return nil, err
	}

	return store, nil
}

// setupSchema creates the necessary tables and handles migrations
func (s *Store) setupSchema() error {
	err := s.db.AutoMigrate(
		&types.ClientRecord{},
		&types.AccessToken{},
		&types.RefreshToken{},
		&types.UserCredential{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}

	return nil
}

// Type returns "sqlite" or "postgres".
func (s *Store) Type() string {
	return s.dbType
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// RegisterClient stores a client registration, overwriting any previous one with the same ID
func (s *Store) RegisterClient(client *types.ClientInfo) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}

	record := &types.ClientRecord{
		ClientID: client.ClientID,
		Data:     string(data),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data"}),
	}).Create(record).Error
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(clientID string) (*types.ClientInfo, error) {
	var record types.ClientRecord
	if err := s.db.First(&record, "client_id = ?", clientID).Error; err != nil {
		return nil, notFound(err)
	}
	return record.Decode()
}

// PutToken stores an access token. Only the hash of token is persisted.
func (s *Store) PutToken(token string, data types.AccessToken) error {
	data.TokenHash = encryption.HashToken(token)
	return s.db.Create(&data).Error
}

// GetToken retrieves an access token. An expired token is deleted and reported as ErrExpired.
func (s *Store) GetToken(token string) (*types.AccessToken, error) {
	var data types.AccessToken
	if err := s.db.First(&data, "token_hash = ?", encryption.HashToken(token)).Error; err != nil {
		return nil, notFound(err)
	}

	if data.ExpiresAt <= s.now().Unix() {
		if err := s.db.Delete(&types.AccessToken{}, "token_hash = ?", data.TokenHash).Error; err != nil {
			s.log.Warn("failed to delete expired access token", zap.Error(err))
		}
		return nil, ErrExpired
	}

	return &data, nil
}

// DeleteToken deletes an access token. Deleting an absent token is not an error.
func (s *Store) DeleteToken(token string) error {
	return s.db.Delete(&types.AccessToken{}, "token_hash = ?", encryption.HashToken(token)).Error
}

// PutRefreshToken stores a refresh token. Only the hash of token is persisted.
func (s *Store) PutRefreshToken(token string, data types.RefreshToken) error {
	data.TokenHash = encryption.HashToken(token)
	return s.db.Create(&data).Error
}

func (s *Store) refreshExpired(data *types.RefreshToken) bool {
	return data.ExpiresAt != 0 && data.ExpiresAt <= s.now().Unix()
}

// GetRefreshToken retrieves a refresh token without consuming it
func (s *Store) GetRefreshToken(token string) (*types.RefreshToken, error) {
	var data types.RefreshToken
	if err := s.db.First(&data, "token_hash = ?", encryption.HashToken(token)).Error; err != nil {
		return nil, notFound(err)
	}

	if s.refreshExpired(&data) {
		if err := s.db.Delete(&types.RefreshToken{}, "token_hash = ?", data.TokenHash).Error; err != nil {
			s.log.Warn("failed to delete expired refresh token", zap.Error(err))
		}
		return nil, ErrExpired
	}

	return &data, nil
}

// TakeRefreshToken reads and deletes a refresh token in one step. When several callers race on
// the same token exactly one receives the record, the rest get ErrNotFound.
func (s *Store) TakeRefreshToken(token string) (*types.RefreshToken, error) {
	data, err := s.GetRefreshToken(token)
	if err != nil {
		return nil, err
	}

	result := s.db.Delete(&types.RefreshToken{}, "token_hash = ?", data.TokenHash)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected != 1 {
		return nil, ErrNotFound
	}

	return data, nil
}

// DeleteRefreshToken deletes a refresh token. Deleting an absent token is not an error.
func (s *Store) DeleteRefreshToken(token string) error {
	return s.db.Delete(&types.RefreshToken{}, "token_hash = ?", encryption.HashToken(token)).Error
}

// PutCredential inserts or replaces the encrypted credential of a user. The original creation
// time survives a replace.
func (s *Store) PutCredential(cred *types.UserCredential) error {
	now := s.now()
	record := &types.UserCredential{
		UserID:     cred.UserID,
		Ciphertext: cred.Ciphertext,
		IV:         cred.IV,
		AuthTag:    cred.AuthTag,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "iv", "auth_tag", "updated_at"}),
	}).Create(record).Error
}

// GetCredential retrieves the encrypted credential of a user
func (s *Store) GetCredential(userID string) (*types.UserCredential, error) {
	var cred types.UserCredential
	if err := s.db.First(&cred, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &cred, nil
}

// DeleteCredential removes the credential of a user and reports whether a row existed
func (s *Store) DeleteCredential(userID string) (bool, error) {
	result := s.db.Delete(&types.UserCredential{}, "user_id = ?", userID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CredentialExists reports whether a user has a stored credential
func (s *Store) CredentialExists(userID string) (bool, error) {
	var count int64
	if err := s.db.Model(&types.UserCredential{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CleanupExpiredTokens removes expired access tokens and expired refresh tokens
func (s *Store) CleanupExpiredTokens() error {
	now := s.now().Unix()

	result := s.db.Where("expires_at <= ?", now).Delete(&types.AccessToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired access tokens: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Info("deleted expired access tokens", zap.Int64("count", result.RowsAffected))
	}

	result = s.db.Where("expires_at > 0 AND expires_at <= ?", now).Delete(&types.RefreshToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired refresh tokens: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.log.Info("deleted expired refresh tokens", zap.Int64("count", result.RowsAffected))
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
