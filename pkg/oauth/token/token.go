package token

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/obot-platform/mcp-oauth-vault/pkg/authserver"
	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/clientauth"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

type TokenProvider interface {
	clientauth.ClientGetter
	ChallengeForAuthorizationCode(client *types.ClientInfo, code string) (string, error)
	ExchangeAuthorizationCode(client *types.ClientInfo, code string, codeVerifier, redirectURI *string) (*types.TokenResponse, error)
	ExchangeRefreshToken(client *types.ClientInfo, refreshToken string, scopes []string) (*types.TokenResponse, error)
}

type Handler struct {
	provider TokenProvider
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(provider TokenProvider, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		provider: provider,
		validate: validator.New(),
		log:      log,
	}
}

type authorizationCodeGrant struct {
	Code         string `validate:"required"`
	CodeVerifier string `validate:"required,min=43,max=128"`
	RedirectURI  string `validate:"omitempty,url"`
}

type refreshTokenGrant struct {
	RefreshToken string `validate:"required"`
	Scope        string
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "Method not allowed",
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "Invalid request body",
		})
		return
	}

	client, err := clientauth.Authenticate(r, p.provider)
	if err != nil {
		handlerutils.OAuthError(w, err)
		return
	}

	handlerutils.NoStore(w)

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		p.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		p.handleRefreshTokenGrant(w, r, client)
	case "":
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "grant_type is required",
		})
	default:
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorUnsupportedGrantType,
			ErrorDescription: "The grant type is not supported by this authorization server",
		})
	}
}

func (p *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *types.ClientInfo) {
	grant := authorizationCodeGrant{
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
	}
	if err := p.validate.Struct(grant); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "code and a code_verifier of 43 to 128 characters are required",
		})
		return
	}

	challenge, err := p.provider.ChallengeForAuthorizationCode(client, grant.Code)
	if err != nil {
		handlerutils.OAuthError(w, err)
		return
	}

	if !authserver.VerifyPKCE(challenge, grant.CodeVerifier) {
		p.log.Info("pkce verification failed", zap.String("client_id", client.ClientID))
		handlerutils.OAuthError(w, &authserver.Error{
			Code:        types.ErrorInvalidGrant,
			Description: "code_verifier does not match the challenge",
			Err:         authserver.ErrPKCEMismatch,
		})
		return
	}

	var redirectURI *string
	if grant.RedirectURI != "" {
		redirectURI = &grant.RedirectURI
	}

	tokens, err := p.provider.ExchangeAuthorizationCode(client, grant.Code, &grant.CodeVerifier, redirectURI)
	if err != nil {
		handlerutils.OAuthError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, tokens)
}

func (p *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *types.ClientInfo) {
	grant := refreshTokenGrant{
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}
	if err := p.validate.Struct(grant); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "refresh_token is required",
		})
		return
	}

	tokens, err := p.provider.ExchangeRefreshToken(client, grant.RefreshToken, strings.Fields(grant.Scope))
	if err != nil {
		handlerutils.OAuthError(w, err)
		return
	}

	handlerutils.JSON(w, http.StatusOK, tokens)
}
