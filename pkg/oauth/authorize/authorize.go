package authorize

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

type Authorizer interface {
	GetClient(clientID string) (*types.ClientInfo, error)
	Authorize(client *types.ClientInfo, params types.AuthorizationParams) (string, error)
}

type Handler struct {
	provider Authorizer
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(provider Authorizer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		provider: provider,
		validate: validator.New(),
		log:      log,
	}
}

type authorizeRequest struct {
	ClientID            string `validate:"required"`
	RedirectURI         string `validate:"omitempty,url"`
	CodeChallenge       string `validate:"required,min=43,max=128"`
	CodeChallengeMethod string `validate:"omitempty,eq=S256"`
	Scope               string
	State               string
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params url.Values
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            types.ErrorInvalidRequest,
				ErrorDescription: "Failed to parse form data",
			})
			return
		}
		params = r.Form
	}

	if responseType := params.Get("response_type"); responseType != "code" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorUnsupportedResponseType,
			ErrorDescription: "Only the 'code' response type is supported",
		})
		return
	}

	authReq := authorizeRequest{
		ClientID:            params.Get("client_id"),
		RedirectURI:         params.Get("redirect_uri"),
		CodeChallenge:       params.Get("code_challenge"),
		CodeChallengeMethod: params.Get("code_challenge_method"),
		Scope:               params.Get("scope"),
		State:               params.Get("state"),
	}

	if err := p.validate.Struct(authReq); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: describe(err),
		})
		return
	}

	client, err := p.provider.GetClient(authReq.ClientID)
	if err != nil {
		handlerutils.OAuthError(w, err)
		return
	}

	loginURL, err := p.provider.Authorize(client, types.AuthorizationParams{
		RedirectURI:   authReq.RedirectURI,
		Scopes:        strings.Fields(authReq.Scope),
		CodeChallenge: authReq.CodeChallenge,
		State:         authReq.State,
	})
	if err != nil {
		p.log.Debug("authorization request rejected", zap.String("client_id", client.ClientID), zap.Error(err))
		handlerutils.OAuthError(w, err)
		return
	}

	http.Redirect(w, r, loginURL, http.StatusFound)
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Invalid authorization request"
	}
	switch verrs[0].StructField() {
	case "ClientID":
		return "client_id is required"
	case "RedirectURI":
		return "redirect_uri must be an absolute URI"
	case "CodeChallenge":
		return "A code_challenge of 43 to 128 characters is required"
	case "CodeChallengeMethod":
		return "Only the S256 code_challenge_method is supported"
	default:
		return "Invalid authorization request"
	}
}
