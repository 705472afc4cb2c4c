// Package clientauth authenticates OAuth clients on the token and revocation endpoints.
package clientauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/obot-platform/mcp-oauth-vault/pkg/authserver"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	MethodNone        = "none"
	MethodSecretPost  = "client_secret_post"
	MethodSecretBasic = "client_secret_basic"
)

var ErrBadSecret = errors.New("client secret does not match")

// dummyHash is compared against when the client has no stored secret, so a failed lookup costs
// the same as a wrong secret.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type ClientGetter interface {
	GetClient(clientID string) (*types.ClientInfo, error)
}

func failed(err error) error {
	return &authserver.Error{
		Code:        types.ErrorInvalidClient,
		Description: "Client authentication failed",
		Err:         err,
	}
}

// Authenticate identifies the client of a form request using HTTP Basic credentials or the
// client_id and client_secret form fields. The form must already be parsed.
func Authenticate(r *http.Request, clients ClientGetter) (*types.ClientInfo, error) {
	clientID, clientSecret, basic := r.BasicAuth()
	if basic {
		// RFC 6749 section 2.3.1: basic credentials are form-urlencoded
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
	} else {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}

	if clientID == "" {
		return nil, failed(authserver.ErrClientNotFound)
	}

	client, err := clients.GetClient(clientID)
	if err != nil {
		var oauthErr *authserver.Error
		if errors.As(err, &oauthErr) && oauthErr.Code != types.ErrorInvalidClient {
			return nil, err
		}
		return nil, failed(authserver.ErrClientNotFound)
	}

	if client.IsPublic() {
		return client, nil
	}

	if clientSecret == "" || !SecretMatches(client.ClientSecret, clientSecret) {
		return nil, failed(ErrBadSecret)
	}
	return client, nil
}

// HashSecret returns the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// SecretMatches reports whether presented is the secret behind storedHash.
func SecretMatches(storedHash, presented string) bool {
	stored := storedHash != ""
	if !stored {
		storedHash = dummyHash
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil && stored
}
