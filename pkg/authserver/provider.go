// Package authserver implements the OAuth 2.1 authorization server: the authorization code flow
// with PKCE, refresh token rotation, token verification and revocation. It hands the user's
// decrypted upstream credential to whoever verifies an access token.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/obot-platform/mcp-oauth-vault/pkg/db"
	"github.com/obot-platform/mcp-oauth-vault/pkg/encryption"
	"github.com/obot-platform/mcp-oauth-vault/pkg/flowstate"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultFlowTTL         = 10 * time.Minute
	DefaultLoginPath       = "/login"
)

// TokenStore persists clients and tokens. *db.Store satisfies it.
type TokenStore interface {
	RegisterClient(client *types.ClientInfo) error
	GetClient(clientID string) (*types.ClientInfo, error)
	PutToken(token string, data types.AccessToken) error
	GetToken(token string) (*types.AccessToken, error)
	DeleteToken(token string) error
	PutRefreshToken(token string, data types.RefreshToken) error
	GetRefreshToken(token string) (*types.RefreshToken, error)
	TakeRefreshToken(token string) (*types.RefreshToken, error)
	DeleteRefreshToken(token string) error
}

// CredentialVault stores the upstream credential per user. *vault.Vault satisfies it.
type CredentialVault interface {
	Put(userID, plaintext string) error
	Get(userID string) (string, bool, error)
}

// CredentialValidator checks a claimed identity against the upstream. *upstream.Validator
// satisfies it.
type CredentialValidator interface {
	Validate(ctx context.Context, identity, credential string) (string, bool)
}

// Options configures a Provider
type Options struct {
	Store     TokenStore
	Vault     CredentialVault
	Validator CredentialValidator

	// LoginURL is where Authorize sends the user. It may be relative.
	LoginURL        string
	ScopesSupported []string

	AccessTokenTTL time.Duration
	// RefreshTokenTTL of zero or less issues refresh tokens that never expire.
	RefreshTokenTTL time.Duration
	FlowTTL         time.Duration

	Logger *zap.Logger
}

// Provider is the authorization server state machine
type Provider struct {
	store     TokenStore
	vault     CredentialVault
	validator CredentialValidator

	pending *flowstate.Tracker[types.PendingAuthorization]
	codes   *flowstate.Tracker[types.AuthorizationCode]

	loginURL        string
	scopesSupported []string
	accessTTL       time.Duration
	refreshTTL      time.Duration

	now func() time.Time
	log *zap.Logger
}

// NewProvider creates a Provider
func NewProvider(opts Options) (*Provider, error) {
	if opts.Store == nil || opts.Vault == nil || opts.Validator == nil {
		return nil, fmt.Errorf("store, vault and validator are required")
	}
	if opts.LoginURL == "" {
		opts.LoginURL = DefaultLoginPath
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if opts.FlowTTL <= 0 {
		opts.FlowTTL = DefaultFlowTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Provider{
		store:           opts.Store,
		vault:           opts.Vault,
		validator:       opts.Validator,
		pending:         flowstate.NewTracker[types.PendingAuthorization](opts.FlowTTL),
		codes:           flowstate.NewTracker[types.AuthorizationCode](opts.FlowTTL),
		loginURL:        opts.LoginURL,
		scopesSupported: NormalizeScopes(opts.ScopesSupported),
		accessTTL:       opts.AccessTokenTTL,
		refreshTTL:      opts.RefreshTokenTTL,
		now:             time.Now,
		log:             opts.Logger,
	}, nil
}

// ScopesSupported returns the configured scopes.
func (p *Provider) ScopesSupported() []string {
	return slices.Clone(p.scopesSupported)
}

// RegisterClient stores a client registration, replacing an existing one with the same id
func (p *Provider) RegisterClient(client *types.ClientInfo) error {
	if err := p.store.RegisterClient(client); err != nil {
		return serverError(fmt.Errorf("failed to register client: %w", err))
	}
	p.log.Info("registered client", zap.String("client_id", client.ClientID), zap.String("client_name", client.ClientName))
	return nil
}

// GetClient looks up a registered client
func (p *Provider) GetClient(clientID string) (*types.ClientInfo, error) {
	client, err := p.store.GetClient(clientID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, invalidClient(ErrClientNotFound)
	} else if err != nil {
		return nil, serverError(fmt.Errorf("failed to get client: %w", err))
	}
	return client, nil
}

// Authorize records the authorization request and returns the login page URL the user must be
// redirected to.
func (p *Provider) Authorize(client *types.ClientInfo, params types.AuthorizationParams) (string, error) {
	if client == nil {
		return "", invalidClient(ErrClientNotFound)
	}

	redirectURI, err := resolveRedirectURI(client, params.RedirectURI)
	if err != nil {
		return "", err
	}
	if params.CodeChallenge == "" {
		return "", invalidRequest("code_challenge is required", ErrInvalidRequestParam)
	}

	params.RedirectURI = redirectURI
	params.Scopes = NormalizeScopes(params.Scopes)
	if len(params.Scopes) == 0 {
		params.Scopes = p.ScopesSupported()
	}

	pendingID := p.pending.Insert(types.PendingAuthorization{
		Client: client,
		Params: params,
	})

	p.log.Debug("authorization pending",
		zap.String("client_id", client.ClientID),
		zap.String("pending", encryption.Fingerprint(pendingID)))

	loginURL, err := url.Parse(p.loginURL)
	if err != nil {
		return "", serverError(fmt.Errorf("invalid login URL: %w", err))
	}
	q := loginURL.Query()
	q.Set("pending_id", pendingID)
	loginURL.RawQuery = q.Encode()

	return loginURL.String(), nil
}

func resolveRedirectURI(client *types.ClientInfo, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectUris) == 1 {
			return client.RedirectUris[0], nil
		}
		return "", invalidRequest("redirect_uri is required", ErrInvalidRequestParam)
	}
	if !slices.Contains(client.RedirectUris, requested) {
		return "", invalidRequest("Unregistered redirect_uri", ErrRedirectMismatch)
	}
	return requested, nil
}

// PendingAuthorization returns the in-flight request for pendingID without consuming it
func (p *Provider) PendingAuthorization(pendingID string) (*types.PendingAuthorization, bool) {
	pending, ok := p.pending.Get(pendingID)
	if !ok {
		return nil, false
	}
	return &pending, true
}

// CompleteAuthorization consumes the pending authorization, issues an authorization code for
// userID and builds the client redirect.
func (p *Provider) CompleteAuthorization(pendingID, userID string) (*types.AuthorizationResult, error) {
	if userID == "" {
		return nil, invalidRequest("user id is required", ErrInvalidRequestParam)
	}

	pending, ok := p.pending.Take(pendingID)
	if !ok {
		return nil, invalidRequest("Unknown or expired authorization request", ErrPendingNotFound)
	}

	redirect, err := url.Parse(pending.Params.RedirectURI)
	if err != nil {
		return nil, serverError(fmt.Errorf("invalid redirect uri: %w", err))
	}

	code := p.codes.Insert(types.AuthorizationCode{
		ClientID:  pending.Client.ClientID,
		UserID:    userID,
		Params:    pending.Params,
		CreatedAt: p.now().Unix(),
	})

	q := redirect.Query()
	q.Set("code", code)
	if pending.Params.State != "" {
		q.Set("state", pending.Params.State)
	}
	redirect.RawQuery = q.Encode()

	p.log.Info("authorization code issued",
		zap.String("client_id", pending.Client.ClientID),
		zap.String("user_id", userID),
		zap.String("code", encryption.Fingerprint(code)))

	return &types.AuthorizationResult{
		Code:        code,
		State:       pending.Params.State,
		RedirectURL: redirect.String(),
	}, nil
}

// ChallengeForAuthorizationCode returns the PKCE challenge bound to code without consuming it
func (p *Provider) ChallengeForAuthorizationCode(client *types.ClientInfo, code string) (string, error) {
	authCode, ok := p.codes.Get(code)
	if !ok {
		return "", invalidGrant(ErrCodeNotFound)
	}
	if client == nil || authCode.ClientID != client.ClientID {
		return "", invalidGrant(ErrClientMismatch)
	}
	return authCode.Params.CodeChallenge, nil
}

// ExchangeAuthorizationCode redeems a code for a token pair. The code is consumed before any
// check runs, so it can never be redeemed twice.
func (p *Provider) ExchangeAuthorizationCode(client *types.ClientInfo, code string, codeVerifier, redirectURI *string) (*types.TokenResponse, error) {
	authCode, ok := p.codes.Take(code)
	if !ok {
		return nil, invalidGrant(ErrCodeNotFound)
	}

	if client == nil || authCode.ClientID != client.ClientID {
		p.log.Warn("authorization code redeemed by another client",
			zap.String("code", encryption.Fingerprint(code)))
		return nil, invalidGrant(ErrClientMismatch)
	}
	if redirectURI != nil && *redirectURI != authCode.Params.RedirectURI {
		return nil, invalidGrant(ErrRedirectMismatch)
	}
	if codeVerifier != nil && !VerifyPKCE(authCode.Params.CodeChallenge, *codeVerifier) {
		return nil, invalidGrant(ErrPKCEMismatch)
	}

	return p.issueTokens(authCode.ClientID, authCode.UserID, authCode.Params.Scopes)
}

// ExchangeRefreshToken rotates a refresh token. The presented token is deleted before the new
// pair is minted; concurrent uses of the same token see exactly one success.
func (p *Provider) ExchangeRefreshToken(client *types.ClientInfo, refreshToken string, scopes []string) (*types.TokenResponse, error) {
	record, err := p.store.GetRefreshToken(refreshToken)
	if errors.Is(err, db.ErrNotFound) {
		return nil, invalidGrant(ErrTokenNotFound)
	} else if err != nil {
		return nil, serverError(fmt.Errorf("failed to read refresh token: %w", err))
	}

	if client == nil || record.ClientID != client.ClientID {
		return nil, invalidGrant(ErrClientMismatch)
	}

	record, err = p.store.TakeRefreshToken(refreshToken)
	if errors.Is(err, db.ErrNotFound) {
		return nil, invalidGrant(ErrTokenNotFound)
	} else if err != nil {
		return nil, serverError(fmt.Errorf("failed to consume refresh token: %w", err))
	}

	granted := NormalizeScopes(scopes)
	if len(granted) == 0 {
		granted = record.Scopes
	}

	return p.issueTokens(record.ClientID, record.UserID, granted)
}

func (p *Provider) issueTokens(clientID, userID string, scopes []string) (*types.TokenResponse, error) {
	now := p.now()
	accessToken := encryption.GenerateToken()
	refreshToken := encryption.GenerateToken()

	if err := p.store.PutToken(accessToken, types.AccessToken{
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    types.StringSlice(scopes),
		ExpiresAt: now.Add(p.accessTTL).Unix(),
	}); err != nil {
		return nil, serverError(fmt.Errorf("failed to store access token: %w", err))
	}

	var refreshExpiresAt int64
	if p.refreshTTL > 0 {
		refreshExpiresAt = now.Add(p.refreshTTL).Unix()
	}
	if err := p.store.PutRefreshToken(refreshToken, types.RefreshToken{
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    types.StringSlice(scopes),
		ExpiresAt: refreshExpiresAt,
	}); err != nil {
		return nil, serverError(fmt.Errorf("failed to store refresh token: %w", err))
	}

	p.log.Info("issued tokens",
		zap.String("client_id", clientID),
		zap.String("user_id", userID),
		zap.String("access_token", encryption.Fingerprint(accessToken)))

	return &types.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(p.accessTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// VerifyAccessToken resolves a bearer token to AuthInfo, including the user's decrypted upstream
// credential. A credential that fails decryption is returned as the vault's integrity error,
// not as an *Error.
func (p *Provider) VerifyAccessToken(ctx context.Context, token string) (*types.AuthInfo, error) {
	record, err := p.store.GetToken(token)
	switch {
	case errors.Is(err, db.ErrExpired):
		p.log.Debug("access token expired", zap.String("access_token", encryption.Fingerprint(token)))
		return nil, invalidToken(ErrTokenExpired)
	case errors.Is(err, db.ErrNotFound):
		return nil, invalidToken(ErrTokenNotFound)
	case err != nil:
		return nil, serverError(fmt.Errorf("failed to read access token: %w", err))
	}

	credential, found, err := p.vault.Get(record.UserID)
	if errors.Is(err, encryption.ErrIntegrity) {
		p.log.Error("upstream credential is unreadable", zap.String("user_id", record.UserID), zap.Error(err))
		return nil, err
	} else if err != nil {
		return nil, serverError(fmt.Errorf("failed to read credential: %w", err))
	}
	if !found {
		p.log.Warn("access token has no stored credential", zap.String("user_id", record.UserID))
		return nil, invalidToken(ErrCredentialMissing)
	}

	return &types.AuthInfo{
		Token:     token,
		ClientID:  record.ClientID,
		Scopes:    []string(record.Scopes),
		ExpiresAt: record.ExpiresAt,
		Extra: types.AuthInfoExtra{
			UserID:             record.UserID,
			UpstreamCredential: credential,
		},
	}, nil
}

// RevokeToken deletes the token from both the access and refresh stores. It never fails, whether
// or not the token existed.
func (p *Provider) RevokeToken(client *types.ClientInfo, req types.RevocationRequest) error {
	if req.Token == "" {
		return nil
	}

	log := p.log.With(zap.String("token", encryption.Fingerprint(req.Token)))
	if client != nil {
		log = log.With(zap.String("client_id", client.ClientID))
	}

	if err := p.store.DeleteToken(req.Token); err != nil {
		log.Error("failed to revoke access token", zap.Error(err))
	}
	if err := p.store.DeleteRefreshToken(req.Token); err != nil {
		log.Error("failed to revoke refresh token", zap.Error(err))
	}

	log.Debug("token revoked")
	return nil
}

// ValidateUpstreamCredential returns the upstream user id if credential belongs to identity
func (p *Provider) ValidateUpstreamCredential(ctx context.Context, identity, credential string) (string, bool) {
	return p.validator.Validate(ctx, identity, credential)
}

// SaveUpstreamCredential stores credential for userID, replacing any previous one
func (p *Provider) SaveUpstreamCredential(userID, credential string) error {
	if err := p.vault.Put(userID, credential); err != nil {
		return serverError(fmt.Errorf("failed to save credential: %w", err))
	}
	return nil
}

// Sweep evicts expired pending authorizations and authorization codes.
func (p *Provider) Sweep() (pending, codes int) {
	pending = p.pending.Sweep()
	codes = p.codes.Sweep()
	if pending > 0 || codes > 0 {
		p.log.Debug("swept expired flow state", zap.Int("pending", pending), zap.Int("codes", codes))
	}
	return pending, codes
}

// VerifyPKCE checks an S256 code verifier against its challenge.
func VerifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	return oauth2.S256ChallengeFromVerifier(verifier) == challenge
}

// NormalizeScopes splits space separated entries and removes duplicates, keeping first-seen order.
func NormalizeScopes(scopes []string) []string {
	var result []string
	seen := map[string]struct{}{}
	for _, entry := range scopes {
		for _, scope := range strings.Fields(entry) {
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			result = append(result, scope)
		}
	}
	return result
}
