package validate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/obot-platform/mcp-oauth-vault/pkg/authserver"
	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

type AccessTokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*types.AuthInfo, error)
}

type TokenValidator struct {
	verifier    AccessTokenVerifier
	issuerURL   string
	routePrefix string
	log         *zap.Logger
}

func NewTokenValidator(verifier AccessTokenVerifier, issuerURL, routePrefix string, log *zap.Logger) *TokenValidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenValidator{
		verifier:    verifier,
		issuerURL:   issuerURL,
		routePrefix: routePrefix,
		log:         log,
	}
}

// WithTokenValidation authenticates the bearer token and stores the resulting AuthInfo in the
// request context for next.
func (p *TokenValidator) WithTokenValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			p.unauthorized(w, r, "Missing Authorization header")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			p.unauthorized(w, r, "Invalid Authorization header format, expected 'Bearer TOKEN'")
			return
		}

		authInfo, err := p.verifier.VerifyAccessToken(r.Context(), token)
		if err != nil {
			var oauthErr *authserver.Error
			if errors.As(err, &oauthErr) && oauthErr.Code == types.ErrorInvalidToken {
				p.log.Debug("rejected bearer token", zap.Error(err))
				p.unauthorized(w, r, "Invalid or expired token")
				return
			}
			// integrity failures and storage errors are server faults, not token faults
			p.log.Error("failed to verify access token", zap.Error(err))
			handlerutils.OAuthError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), authInfo)))
	})
}

func (p *TokenValidator) unauthorized(w http.ResponseWriter, r *http.Request, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description="%s", resource_metadata="%s"`,
		description, p.resourceMetadataURL(r)))
	handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
		Error:            types.ErrorInvalidToken,
		ErrorDescription: description,
	})
}

// resourceMetadataURL follows RFC 9728 section 3.1: the well-known segment goes between the
// host and the resource path.
func (p *TokenValidator) resourceMetadataURL(r *http.Request) string {
	base := handlerutils.GetBaseURL(r)
	if p.issuerURL != "" {
		if u, err := url.Parse(p.issuerURL); err == nil && u.Host != "" {
			base = u.Scheme + "://" + u.Host
		}
	}
	return base + "/.well-known/oauth-protected-resource" + strings.TrimSuffix(p.routePrefix, "/")
}

type authInfoKey struct{}

func WithAuthInfo(ctx context.Context, info *types.AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// GetAuthInfo returns the AuthInfo of a request that passed WithTokenValidation, or nil.
func GetAuthInfo(r *http.Request) *types.AuthInfo {
	info, _ := r.Context().Value(authInfoKey{}).(*types.AuthInfo)
	return info
}
