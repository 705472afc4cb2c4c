package handlerutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

func JSON(w http.ResponseWriter, statusCode int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if obj != nil {
		if err := json.NewEncoder(w).Encode(obj); err != nil {
			zap.L().Error("error encoding JSON response", zap.Error(err))
		}
	}
}

// NoStore marks a response as containing credentials.
func NoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// protocolError is implemented by authserver.Error.
type protocolError interface {
	error
	StatusCode() int
	Response() types.OAuthError
}

// OAuthError writes err as an OAuth error response. Errors that are not protocol errors become a
// generic server_error; their detail is logged, never sent.
func OAuthError(w http.ResponseWriter, err error) {
	var perr protocolError
	if errors.As(err, &perr) {
		JSON(w, perr.StatusCode(), perr.Response())
		return
	}

	zap.L().Error("request failed", zap.Error(err))
	JSON(w, http.StatusInternalServerError, types.OAuthError{
		Error:            types.ErrorServerError,
		ErrorDescription: "The server encountered an unexpected error",
	})
}

// ErrorCode returns the OAuth error code carried by err, or server_error.
func ErrorCode(err error) string {
	var perr protocolError
	if errors.As(err, &perr) {
		return perr.Response().Error
	}
	return types.ErrorServerError
}

// GetClientIP extracts the client IP from the request using the X-Forwarded-For,
// X-Real-IP and RemoteAddr headers.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ifs := strings.Split(xff, ",")
		return strings.TrimSpace(ifs[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

// GetBaseURL returns the URL of the request without the path and
// infers the scheme (http or https)
func GetBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// GetIssuerURL returns issuer when configured, otherwise the request base URL plus prefix.
func GetIssuerURL(r *http.Request, issuer, routePrefix string) string {
	if issuer != "" {
		return strings.TrimSuffix(issuer, "/")
	}
	return GetBaseURL(r) + strings.TrimSuffix(routePrefix, "/")
}
