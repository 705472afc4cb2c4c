package authserver

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obot-platform/mcp-oauth-vault/pkg/db"
	"github.com/obot-platform/mcp-oauth-vault/pkg/encryption"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"github.com/obot-platform/mcp-oauth-vault/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

type fakeValidator map[[2]string]string

func (f fakeValidator) Validate(_ context.Context, identity, credential string) (string, bool) {
	userID, ok := f[[2]string{identity, credential}]
	return userID, ok
}

type testEnv struct {
	provider *Provider
	store    *db.Store
	clientA  *types.ClientInfo
	clientB  *types.ClientInfo
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "authserver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v, err := vault.New(store, "authserver-test-master-secret", nil)
	require.NoError(t, err)

	opts := Options{
		Store: store,
		Vault: v,
		Validator: fakeValidator{
			{"alice@x.com", "key-alice"}: "user-42",
		},
		ScopesSupported: []string{"mcp"},
		Logger:          zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}

	p, err := NewProvider(opts)
	require.NoError(t, err)

	env := &testEnv{
		provider: p,
		store:    store,
		clientA: &types.ClientInfo{
			ClientID:                "client-a",
			RedirectUris:            []string{"https://cb"},
			TokenEndpointAuthMethod: "none",
		},
		clientB: &types.ClientInfo{
			ClientID:                "client-b",
			RedirectUris:            []string{"https://other.example/cb"},
			TokenEndpointAuthMethod: "none",
		},
	}
	require.NoError(t, p.RegisterClient(env.clientA))
	require.NoError(t, p.RegisterClient(env.clientB))
	return env
}

func (e *testEnv) setClock(now func() time.Time) {
	e.provider.now = now
	e.provider.pending.SetClock(now)
	e.provider.codes.SetClock(now)
}

func pendingIDFrom(t *testing.T, loginURL string) string {
	t.Helper()
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	id := u.Query().Get("pending_id")
	require.NotEmpty(t, id)
	return id
}

// issueCode runs authorize and login completion for clientA and returns the code.
func (e *testEnv) issueCode(t *testing.T, challenge string) string {
	t.Helper()
	loginURL, err := e.provider.Authorize(e.clientA, types.AuthorizationParams{
		RedirectURI:   "https://cb",
		CodeChallenge: challenge,
		State:         "xyz",
	})
	require.NoError(t, err)

	result, err := e.provider.CompleteAuthorization(pendingIDFrom(t, loginURL), "user-42")
	require.NoError(t, err)
	return result.Code
}

func (e *testEnv) issueTokens(t *testing.T) *types.TokenResponse {
	t.Helper()
	require.NoError(t, e.provider.SaveUpstreamCredential("user-42", "key-alice"))
	resp, err := e.provider.ExchangeAuthorizationCode(e.clientA, e.issueCode(t, "abc"), nil, nil)
	require.NoError(t, err)
	return resp
}

func requireOAuthError(t *testing.T, err error, code string, kind error) {
	t.Helper()
	require.Error(t, err)
	var oauthErr *Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, code, oauthErr.Code)
	if kind != nil {
		assert.ErrorIs(t, err, kind)
	}
}

func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	p := env.provider

	loginURL, err := p.Authorize(env.clientA, types.AuthorizationParams{
		RedirectURI:   "https://cb",
		CodeChallenge: "abc",
	})
	require.NoError(t, err)
	assert.Contains(t, loginURL, "/login?pending_id=")

	p1 := pendingIDFrom(t, loginURL)
	pending, ok := p.PendingAuthorization(p1)
	require.True(t, ok)
	assert.Equal(t, "client-a", pending.Client.ClientID)

	userID, ok := p.ValidateUpstreamCredential(context.Background(), "alice@x.com", "key-alice")
	require.True(t, ok)
	require.NoError(t, p.SaveUpstreamCredential(userID, "key-alice"))

	result, err := p.CompleteAuthorization(p1, userID)
	require.NoError(t, err)
	assert.Equal(t, "https://cb?code="+result.Code, result.RedirectURL)
	assert.Empty(t, result.State)

	tokens, err := p.ExchangeAuthorizationCode(env.clientA, result.Code, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3600, tokens.ExpiresIn)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "mcp", tokens.Scope)

	info, err := p.VerifyAccessToken(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.AccessToken, info.Token)
	assert.Equal(t, "client-a", info.ClientID)
	assert.Equal(t, "user-42", info.Extra.UserID)
	assert.Equal(t, "key-alice", info.Extra.UpstreamCredential)
	assert.Equal(t, []string{"mcp"}, info.Scopes)

	// Seconds, not milliseconds
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), info.ExpiresAt, 5)
}

func TestCompleteAuthorizationCarriesState(t *testing.T) {
	env := newTestEnv(t)
	env.clientA.RedirectUris = []string{"https://cb/callback?tenant=1"}
	require.NoError(t, env.provider.RegisterClient(env.clientA))

	loginURL, err := env.provider.Authorize(env.clientA, types.AuthorizationParams{
		CodeChallenge: "abc",
		State:         "st&ate",
	})
	require.NoError(t, err)

	result, err := env.provider.CompleteAuthorization(pendingIDFrom(t, loginURL), "user-42")
	require.NoError(t, err)
	assert.Equal(t, "st&ate", result.State)

	u, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "cb", u.Host)
	assert.Equal(t, "/callback", u.Path)
	assert.Equal(t, "1", u.Query().Get("tenant"))
	assert.Equal(t, result.Code, u.Query().Get("code"))
	assert.Equal(t, "st&ate", u.Query().Get("state"))
}

func TestPendingAuthorizationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)

	loginURL, err := env.provider.Authorize(env.clientA, types.AuthorizationParams{CodeChallenge: "abc"})
	require.NoError(t, err)
	pendingID := pendingIDFrom(t, loginURL)

	_, err = env.provider.CompleteAuthorization(pendingID, "user-42")
	require.NoError(t, err)

	_, err = env.provider.CompleteAuthorization(pendingID, "user-42")
	requireOAuthError(t, err, types.ErrorInvalidRequest, ErrPendingNotFound)

	_, ok := env.provider.PendingAuthorization(pendingID)
	assert.False(t, ok)

	_, err = env.provider.CompleteAuthorization("never-issued", "user-42")
	requireOAuthError(t, err, types.ErrorInvalidRequest, ErrPendingNotFound)
}

func TestAuthorizeValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.Authorize(env.clientA, types.AuthorizationParams{RedirectURI: "https://evil.example/cb", CodeChallenge: "abc"})
	requireOAuthError(t, err, types.ErrorInvalidRequest, ErrRedirectMismatch)

	_, err = env.provider.Authorize(env.clientA, types.AuthorizationParams{RedirectURI: "https://cb"})
	requireOAuthError(t, err, types.ErrorInvalidRequest, ErrInvalidRequestParam)

	multi := &types.ClientInfo{ClientID: "multi", RedirectUris: []string{"https://a/cb", "https://b/cb"}}
	_, err = env.provider.Authorize(multi, types.AuthorizationParams{CodeChallenge: "abc"})
	requireOAuthError(t, err, types.ErrorInvalidRequest, ErrInvalidRequestParam)

	_, err = env.provider.Authorize(nil, types.AuthorizationParams{CodeChallenge: "abc"})
	requireOAuthError(t, err, types.ErrorInvalidClient, ErrClientNotFound)
}

func TestAuthorizeNormalizesScopes(t *testing.T) {
	env := newTestEnv(t)

	loginURL, err := env.provider.Authorize(env.clientA, types.AuthorizationParams{
		CodeChallenge: "abc",
		Scopes:        []string{"read write", "read", "admin"},
	})
	require.NoError(t, err)

	pending, ok := env.provider.PendingAuthorization(pendingIDFrom(t, loginURL))
	require.True(t, ok)
	assert.Equal(t, []string{"read", "write", "admin"}, pending.Params.Scopes)
	assert.Equal(t, "https://cb", pending.Params.RedirectURI)
}

func TestChallengeForAuthorizationCode(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "the-challenge")

	challenge, err := env.provider.ChallengeForAuthorizationCode(env.clientA, code)
	require.NoError(t, err)
	assert.Equal(t, "the-challenge", challenge)

	// Lookup does not consume the code
	challenge, err = env.provider.ChallengeForAuthorizationCode(env.clientA, code)
	require.NoError(t, err)
	assert.Equal(t, "the-challenge", challenge)

	_, err = env.provider.ChallengeForAuthorizationCode(env.clientB, code)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrClientMismatch)

	_, err = env.provider.ChallengeForAuthorizationCode(env.clientA, "unknown")
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrCodeNotFound)
}

func TestCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "abc")

	_, err := env.provider.ExchangeAuthorizationCode(env.clientA, code, nil, nil)
	require.NoError(t, err)

	_, err = env.provider.ExchangeAuthorizationCode(env.clientA, code, nil, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrCodeNotFound)
}

func TestCodeIsBoundToClient(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "abc")

	_, err := env.provider.ExchangeAuthorizationCode(env.clientB, code, nil, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrClientMismatch)

	// The failed attempt burned the code
	_, err = env.provider.ExchangeAuthorizationCode(env.clientA, code, nil, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrCodeNotFound)
}

func TestExchangeVerifiesPKCEAndRedirect(t *testing.T) {
	env := newTestEnv(t)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	wrong := "wrong-verifier-wrong-verifier-wrong-verifier"
	_, err := env.provider.ExchangeAuthorizationCode(env.clientA, env.issueCode(t, challenge), &wrong, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrPKCEMismatch)

	otherRedirect := "https://cb/other"
	_, err = env.provider.ExchangeAuthorizationCode(env.clientA, env.issueCode(t, challenge), &verifier, &otherRedirect)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrRedirectMismatch)

	redirect := "https://cb"
	resp, err := env.provider.ExchangeAuthorizationCode(env.clientA, env.issueCode(t, challenge), &verifier, &redirect)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestConcurrentCodeExchange(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "abc")

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := env.provider.ExchangeAuthorizationCode(env.clientA, code, nil, nil); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	first := env.issueTokens(t)

	second, err := env.provider.ExchangeRefreshToken(env.clientA, first.RefreshToken, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.Scope, second.Scope)

	_, err = env.provider.ExchangeRefreshToken(env.clientA, first.RefreshToken, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrTokenNotFound)

	third, err := env.provider.ExchangeRefreshToken(env.clientA, second.RefreshToken, []string{"narrow"})
	require.NoError(t, err)
	assert.Equal(t, "narrow", third.Scope)

	info, err := env.provider.VerifyAccessToken(context.Background(), third.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"narrow"}, info.Scopes)
	assert.Equal(t, "user-42", info.Extra.UserID)
}

func TestRefreshIsBoundToClient(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t)

	_, err := env.provider.ExchangeRefreshToken(env.clientB, tokens.RefreshToken, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrClientMismatch)

	// A mismatched client does not consume the token
	_, err = env.provider.ExchangeRefreshToken(env.clientA, tokens.RefreshToken, nil)
	require.NoError(t, err)
}

func TestConcurrentRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := env.provider.ExchangeRefreshToken(env.clientA, tokens.RefreshToken, nil); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func TestRefreshTokenExpiry(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RefreshTokenTTL = time.Hour })

	env.setClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	tokens := env.issueTokens(t)
	env.setClock(time.Now)

	_, err := env.provider.ExchangeRefreshToken(env.clientA, tokens.RefreshToken, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrTokenNotFound)
}

func TestAccessTokenExpiry(t *testing.T) {
	env := newTestEnv(t)

	// Issue a token whose expires_at lands one second in the past
	env.setClock(func() time.Time { return time.Now().Add(-time.Hour - time.Second) })
	tokens := env.issueTokens(t)
	env.setClock(time.Now)

	_, err := env.provider.VerifyAccessToken(context.Background(), tokens.AccessToken)
	requireOAuthError(t, err, types.ErrorInvalidToken, ErrTokenExpired)

	_, err = env.store.GetToken(tokens.AccessToken)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NotErrorIs(t, err, db.ErrExpired)

	_, err = env.provider.VerifyAccessToken(context.Background(), tokens.AccessToken)
	requireOAuthError(t, err, types.ErrorInvalidToken, ErrTokenNotFound)
}

func TestVerifyUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.VerifyAccessToken(context.Background(), "not-a-token")
	requireOAuthError(t, err, types.ErrorInvalidToken, ErrTokenNotFound)
}

func TestVerifyWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.provider.ExchangeAuthorizationCode(env.clientA, env.issueCode(t, "abc"), nil, nil)
	require.NoError(t, err)

	_, err = env.provider.VerifyAccessToken(context.Background(), resp.AccessToken)
	requireOAuthError(t, err, types.ErrorInvalidToken, ErrCredentialMissing)
}

func TestVerifyPropagatesIntegrityFailure(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t)

	cred, err := env.store.GetCredential("user-42")
	require.NoError(t, err)
	tag, err := base64.StdEncoding.DecodeString(cred.AuthTag)
	require.NoError(t, err)
	tag[0] ^= 0x01
	cred.AuthTag = base64.StdEncoding.EncodeToString(tag)
	require.NoError(t, env.store.PutCredential(cred))

	info, err := env.provider.VerifyAccessToken(context.Background(), tokens.AccessToken)
	assert.Nil(t, info)
	assert.ErrorIs(t, err, encryption.ErrIntegrity)
	assert.ErrorIs(t, err, vault.ErrCredentialUnreadable)

	var oauthErr *Error
	assert.False(t, errors.As(err, &oauthErr), "integrity failures must not become protocol errors")
}

func TestRevokeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tokens := env.issueTokens(t)

	require.NoError(t, env.provider.RevokeToken(env.clientA, types.RevocationRequest{Token: tokens.AccessToken}))
	require.NoError(t, env.provider.RevokeToken(env.clientA, types.RevocationRequest{Token: tokens.AccessToken}))
	require.NoError(t, env.provider.RevokeToken(env.clientA, types.RevocationRequest{Token: "never-existed"}))
	require.NoError(t, env.provider.RevokeToken(nil, types.RevocationRequest{}))

	_, err := env.provider.VerifyAccessToken(context.Background(), tokens.AccessToken)
	requireOAuthError(t, err, types.ErrorInvalidToken, ErrTokenNotFound)

	require.NoError(t, env.provider.RevokeToken(env.clientA, types.RevocationRequest{Token: tokens.RefreshToken, TokenTypeHint: "refresh_token"}))
	_, err = env.provider.ExchangeRefreshToken(env.clientA, tokens.RefreshToken, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrTokenNotFound)
}

func TestFlowTTL(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.FlowTTL = 10 * time.Minute })
	start := time.Now()
	env.setClock(func() time.Time { return start })

	loginURL, err := env.provider.Authorize(env.clientA, types.AuthorizationParams{CodeChallenge: "abc"})
	require.NoError(t, err)
	stalePending := pendingIDFrom(t, loginURL)

	staleCode := env.issueCode(t, "abc")

	env.setClock(func() time.Time { return start.Add(11 * time.Minute) })

	_, ok := env.provider.PendingAuthorization(stalePending)
	assert.False(t, ok)
	_, err = env.provider.CompleteAuthorization(stalePending, "user-42")
	requireOAuthError(t, err, types.ErrorInvalidRequest, ErrPendingNotFound)
	_, err = env.provider.ExchangeAuthorizationCode(env.clientA, staleCode, nil, nil)
	requireOAuthError(t, err, types.ErrorInvalidGrant, ErrCodeNotFound)
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.FlowTTL = time.Minute })
	start := time.Now()
	env.setClock(func() time.Time { return start })

	_, err := env.provider.Authorize(env.clientA, types.AuthorizationParams{CodeChallenge: "abc"})
	require.NoError(t, err)
	env.issueCode(t, "abc")

	env.setClock(func() time.Time { return start.Add(2 * time.Minute) })
	pending, codes := env.provider.Sweep()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, codes)
	assert.Zero(t, env.provider.pending.Len())
	assert.Zero(t, env.provider.codes.Len())
}

func TestGetClient(t *testing.T) {
	env := newTestEnv(t)

	client, err := env.provider.GetClient("client-a")
	require.NoError(t, err)
	assert.Equal(t, env.clientA.RedirectUris, client.RedirectUris)

	_, err = env.provider.GetClient("missing")
	requireOAuthError(t, err, types.ErrorInvalidClient, ErrClientNotFound)
}

func TestErrorResponseDoesNotLeakKind(t *testing.T) {
	mismatch := invalidGrant(ErrClientMismatch).Response()
	missing := invalidGrant(ErrCodeNotFound).Response()
	assert.Equal(t, mismatch, missing)

	expired := invalidToken(ErrTokenExpired).Response()
	unknown := invalidToken(ErrTokenNotFound).Response()
	assert.Equal(t, expired, unknown)

	assert.Equal(t, 401, invalidToken(nil).StatusCode())
	assert.Equal(t, 401, invalidClient(nil).StatusCode())
	assert.Equal(t, 400, invalidGrant(nil).StatusCode())
	assert.Equal(t, 500, serverError(nil).StatusCode())
}

func TestNormalizeScopes(t *testing.T) {
	assert.Nil(t, NormalizeScopes(nil))
	assert.Nil(t, NormalizeScopes([]string{"", "  "}))
	assert.Equal(t, []string{"b", "a"}, NormalizeScopes([]string{"b a b", "a"}))
}

func TestVerifyPKCE(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	assert.True(t, VerifyPKCE(oauth2.S256ChallengeFromVerifier(verifier), verifier))
	assert.False(t, VerifyPKCE(oauth2.S256ChallengeFromVerifier(verifier), verifier+"x"))
	assert.False(t, VerifyPKCE("", verifier))
	assert.False(t, VerifyPKCE(verifier, verifier), "plain method is not accepted")
}
