package revoke

import (
	"net/http"

	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/clientauth"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
)

type Revoker interface {
	clientauth.ClientGetter
	RevokeToken(client *types.ClientInfo, req types.RevocationRequest) error
}

type Handler struct {
	provider Revoker
}

func NewHandler(provider Revoker) http.Handler {
	return &Handler{
		provider: provider,
	}
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

	req := types.RevocationRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
	}
	if req.Token == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "token is required",
		})
		return
	}

	// RFC 7009 section 2.2: unknown tokens are not an error
	if err := p.provider.RevokeToken(client, req); err != nil {
		handlerutils.OAuthError(w, err)
		return
	}

	handlerutils.NoStore(w)
	w.WriteHeader(http.StatusOK)
}
