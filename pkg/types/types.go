package types

import (
	"time"
)

// Config holds all configuration values for the OAuth vault gateway
type Config struct {
	Host        string
	Port        string
	DatabaseDSN string
	IssuerURL   string
	RoutePrefix string
	Mode        string

	// MasterSecret is only ever handed to the vault for key derivation.
	MasterSecret string

	UpstreamURL           string
	UpstreamUserPath      string
	UpstreamIdentityField string
	UpstreamIDField       string

	ScopesSupported string
	MCPServerURL    string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	FlowTTL         time.Duration
}

// ClientInfo represents OAuth client registration information. It is persisted as an opaque
// JSON blob keyed by ClientID.
type ClientInfo struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	RedirectUris            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
	TosURI                  string   `json:"tos_uri,omitempty"`
	JwksURI                 string   `json:"jwks_uri,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	RegistrationDate        int64    `json:"registration_date,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// IsPublic reports whether the client authenticates without a secret
func (c *ClientInfo) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// AuthorizationParams carries the parameters of an /authorize request
type AuthorizationParams struct {
	RedirectURI   string   `json:"redirect_uri"`
	Scopes        []string `json:"scopes"`
	CodeChallenge string   `json:"code_challenge"`
	State         string   `json:"state,omitempty"`
}

// PendingAuthorization bridges /authorize and the login form. It lives in process memory only.
type PendingAuthorization struct {
	Client *ClientInfo
	Params AuthorizationParams
}

// AuthorizationCode is the data bound to a one-time authorization code.
type AuthorizationCode struct {
	ClientID  string
	UserID    string
	Params    AuthorizationParams
	CreatedAt int64
}

// AuthorizationResult is returned when a login completes the authorization step
type AuthorizationResult struct {
	Code        string
	State       string
	RedirectURL string
}

// AuthInfo is attached to every authenticated request
type AuthInfo struct {
	Token    string   `json:"token"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	// ExpiresAt is seconds since the Unix epoch.
	ExpiresAt int64        `json:"expires_at"`
	Extra     AuthInfoExtra `json:"extra"`
}

// AuthInfoExtra carries the user identity and the decrypted upstream credential.
type AuthInfoExtra struct {
	UserID             string `json:"user_id"`
	UpstreamCredential string `json:"-"`
}

// RevocationRequest is an RFC 7009 revocation request
type RevocationRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
}

// OAuthMetadata represents OAuth authorization server metadata
type OAuthMetadata struct {
	Issuer                                   string   `json:"issuer"`
	ServiceDocumentation                     string   `json:"service_documentation,omitempty"`
	AuthorizationEndpoint                    string   `json:"authorization_endpoint"`
	ResponseTypesSupported                   []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported            []string `json:"code_challenge_methods_supported"`
	TokenEndpoint                            string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported        []string `json:"token_endpoint_auth_methods_supported"`
	GrantTypesSupported                      []string `json:"grant_types_supported"`
	ScopesSupported                          []string `json:"scopes_supported,omitempty"`
	RevocationEndpoint                       string   `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethodsSupported   []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	RegistrationEndpoint                     string   `json:"registration_endpoint,omitempty"`
	RegistrationEndpointAuthMethodsSupported []string `json:"registration_endpoint_auth_methods_supported,omitempty"`
}

// OAuthProtectedResourceMetadata represents protected resource metadata
type OAuthProtectedResourceMetadata struct {
	Resource              string   `json:"resource"`
	AuthorizationServers  []string `json:"authorization_servers"`
	Scopes                []string `json:"scopes,omitempty"`
	ResourceName          string   `json:"resource_name,omitempty"`
	ResourceDocumentation string   `json:"resource_documentation,omitempty"`
}

// TokenResponse represents OAuth token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuthError represents OAuth error response
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// OAuth error codes used on the wire
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidToken            = "invalid_token"
	ErrorInvalidClientMetadata   = "invalid_client_metadata"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorServerError             = "server_error"
	ErrorTooManyRequests         = "too_many_requests"
)
