package authserver

import (
	"errors"
	"net/http"

	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
)

// Internal failure kinds. They are never shown to clients; Error.Response uses a fixed,
// generic description per code instead.
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrPendingNotFound     = errors.New("pending authorization not found")
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrClientMismatch      = errors.New("grant was issued to another client")
	ErrRedirectMismatch    = errors.New("redirect_uri does not match")
	ErrPKCEMismatch        = errors.New("code_verifier does not match code_challenge")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrCredentialMissing   = errors.New("user credentials not found")
	ErrInvalidRequestParam = errors.New("invalid request parameter")
)

// Error is a protocol level failure returned by Provider.
type Error struct {
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response returns the body written to the client.
func (e *Error) Response() types.OAuthError {
	return types.OAuthError{
		Error:            e.Code,
		ErrorDescription: e.Description,
	}
}

// StatusCode maps the error code to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case types.ErrorInvalidClient, types.ErrorInvalidToken:
		return http.StatusUnauthorized
	case types.ErrorServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func invalidRequest(description string, err error) *Error {
	return &Error{Code: types.ErrorInvalidRequest, Description: description, Err: err}
}

func invalidGrant(err error) *Error {
	return &Error{Code: types.ErrorInvalidGrant, Description: "The provided authorization grant is invalid", Err: err}
}

func invalidClient(err error) *Error {
	return &Error{Code: types.ErrorInvalidClient, Description: "Client authentication failed", Err: err}
}

func invalidToken(err error) *Error {
	return &Error{Code: types.ErrorInvalidToken, Description: "The access token is invalid", Err: err}
}

func serverError(err error) *Error {
	return &Error{Code: types.ErrorServerError, Description: "The server encountered an unexpected error", Err: err}
}
