package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/obot-platform/mcp-oauth-vault/pkg/authserver"
	"github.com/obot-platform/mcp-oauth-vault/pkg/db"
	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/authorize"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/login"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/register"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/revoke"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/token"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/validate"
	"github.com/obot-platform/mcp-oauth-vault/pkg/ratelimit"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"github.com/obot-platform/mcp-oauth-vault/pkg/upstream"
	"github.com/obot-platform/mcp-oauth-vault/pkg/vault"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

const (
	ModeProxy       = "proxy"
	ModeForwardAuth = "forward_auth"
	ModeMiddleware  = "middleware"

	HeaderUser               = "X-Forwarded-User"
	HeaderUpstreamCredential = "X-Forwarded-Upstream-Credential"

	flowSweepInterval    = time.Minute
	tokenCleanupInterval = time.Hour
)

type OAuthProxy struct {
	metadata     *types.OAuthMetadata
	db           *db.Store
	provider     *authserver.Provider
	rateLimiter  *ratelimit.RateLimiter
	login        *login.Handler
	mcpServerURL *url.URL
	resourceName string
	config       *types.Config
	log          *zap.Logger

	cancel context.CancelFunc
}

// ValidateConfig fills defaults into config and rejects settings the gateway cannot run with.
func ValidateConfig(config *types.Config) error {
	if config.Port == "" {
		config.Port = "8080"
	}
	config.RoutePrefix = strings.TrimSuffix(config.RoutePrefix, "/")
	if config.RoutePrefix != "" && !strings.HasPrefix(config.RoutePrefix, "/") {
		return fmt.Errorf("route prefix must start with '/'")
	}

	switch config.Mode {
	case "":
		config.Mode = ModeProxy
	case ModeProxy, ModeForwardAuth, ModeMiddleware:
	default:
		return fmt.Errorf("invalid mode: %s", config.Mode)
	}

	if config.Mode == ModeProxy {
		if u, err := url.Parse(config.MCPServerURL); err != nil || u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid MCP server URL: %q", config.MCPServerURL)
		} else if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("MCP server URL must not contain a path, query, or fragment")
		}
	}

	if len(config.MasterSecret) < vault.MinMasterSecretLength {
		return vault.ErrMasterSecretTooShort
	}

	if u, err := url.Parse(config.UpstreamURL); err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid upstream URL: %q", config.UpstreamURL)
	}

	if config.IssuerURL != "" {
		if u, err := url.Parse(config.IssuerURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid issuer URL: %q", config.IssuerURL)
		}
	}
	return nil
}

func NewOAuthProxy(config *types.Config, log *zap.Logger) (*OAuthProxy, error) {
	if log == nil {
		log = zap.L()
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	store, err := db.New(config.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info("database ready", zap.String("type", store.Type()))

	p, err := newOAuthProxy(config, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return p, nil
}

func newOAuthProxy(config *types.Config, store *db.Store, log *zap.Logger) (*OAuthProxy, error) {
	credentials, err := vault.New(store, config.MasterSecret, log.Named("vault"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential vault: %w", err)
	}

	validator, err := upstream.NewValidator(upstream.Options{
		BaseURL:       config.UpstreamURL,
		UserPath:      config.UpstreamUserPath,
		IdentityField: config.UpstreamIdentityField,
		IDField:       config.UpstreamIDField,
		Logger:        log.Named("upstream"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upstream validator: %w", err)
	}

	scopesSupported := ParseScopesSupported(config.ScopesSupported)

	loginURL := config.RoutePrefix + "/login"
	if config.IssuerURL != "" {
		loginURL = strings.TrimSuffix(config.IssuerURL, "/") + "/login"
	}

	provider, err := authserver.NewProvider(authserver.Options{
		Store:           store,
		Vault:           credentials,
		Validator:       validator,
		LoginURL:        loginURL,
		ScopesSupported: scopesSupported,
		AccessTokenTTL:  config.AccessTokenTTL,
		RefreshTokenTTL: config.RefreshTokenTTL,
		FlowTTL:         config.FlowTTL,
		Logger:          log.Named("authserver"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authorization server: %w", err)
	}

	flowTTL := config.FlowTTL
	if flowTTL <= 0 {
		flowTTL = authserver.DefaultFlowTTL
	}
	loginHandler, err := login.NewHandler(provider, flowTTL, log.Named("login"))
	if err != nil {
		return nil, err
	}

	var mcpServerURL *url.URL
	if config.Mode == ModeProxy {
		mcpServerURL, _ = url.Parse(config.MCPServerURL)
	}

	metadata := &types.OAuthMetadata{
		ResponseTypesSupported:                   []string{"code"},
		CodeChallengeMethodsSupported:            []string{"S256"},
		TokenEndpointAuthMethodsSupported:        []string{"none", "client_secret_post", "client_secret_basic"},
		GrantTypesSupported:                      []string{"authorization_code", "refresh_token"},
		ScopesSupported:                          scopesSupported,
		RevocationEndpointAuthMethodsSupported:   []string{"none", "client_secret_post", "client_secret_basic"},
		RegistrationEndpointAuthMethodsSupported: []string{"none"},
	}

	return &OAuthProxy{
		metadata:     metadata,
		db:           store,
		provider:     provider,
		rateLimiter:  ratelimit.NewRateLimiter(15*time.Minute, 5000),
		login:        loginHandler,
		mcpServerURL: mcpServerURL,
		resourceName: "MCP Tools",
		config:       config,
		log:          log,
	}, nil
}

// Provider exposes the authorization server, mainly for embedding in middleware mode.
func (p *OAuthProxy) Provider() *authserver.Provider {
	return p.provider
}

func (p *OAuthProxy) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Start runs the background sweeps until ctx is done or Close is called.
func (p *OAuthProxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		flows := time.NewTicker(flowSweepInterval)
		defer flows.Stop()
		tokens := time.NewTicker(tokenCleanupInterval)
		defer tokens.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-flows.C:
				p.provider.Sweep()
				p.rateLimiter.Prune()
			case <-tokens.C:
				if err := p.db.CleanupExpiredTokens(); err != nil {
					p.log.Error("failed to cleanup expired tokens", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

func (p *OAuthProxy) SetupRoutes(mux *http.ServeMux, next http.Handler) {
	prefix := p.config.RoutePrefix

	authorizeHandler := authorize.NewHandler(p.provider, p.log.Named("authorize"))
	tokenHandler := token.NewHandler(p.provider, p.log.Named("token"))
	revokeHandler := revoke.NewHandler(p.provider)
	registerHandler := register.NewHandler(p.provider, p.log.Named("register"))
	tokenValidator := validate.NewTokenValidator(p.provider, p.config.IssuerURL, prefix, p.log.Named("validate"))

	mux.HandleFunc("GET "+prefix+"/health", p.withCORS(http.HandlerFunc(p.healthHandler)))

	// OAuth endpoints. Method checks happen in the handlers so CORS preflights get through.
	mux.Handle(prefix+"/authorize", p.withCORS(p.withRateLimit(authorizeHandler)))
	mux.Handle(prefix+"/login", p.withRateLimit(p.login))
	mux.Handle(prefix+"/token", p.withCORS(p.withRateLimit(tokenHandler)))
	mux.Handle(prefix+"/revoke", p.withCORS(p.withRateLimit(revokeHandler)))
	mux.Handle(prefix+"/register", p.withCORS(p.withRateLimit(registerHandler)))

	// Metadata endpoints
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", p.withCORS(http.HandlerFunc(p.oauthMetadataHandler)))
	if prefix != "" {
		mux.HandleFunc("GET /.well-known/oauth-authorization-server"+prefix, p.withCORS(http.HandlerFunc(p.oauthMetadataHandler)))
	}
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", p.withCORS(http.HandlerFunc(p.protectedResourceMetadataHandler)))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{path...}", p.withCORS(http.HandlerFunc(p.protectedResourceMetadataHandler)))

	// Protect everything else
	mux.Handle(prefix+"/{path...}", p.withCORS(tokenValidator.WithTokenValidation(p.mcpHandler(next))))
}

// GetHandler returns an http.Handler for the gateway. next is only used in middleware mode.
func (p *OAuthProxy) GetHandler(next http.Handler) http.Handler {
	mux := http.NewServeMux()
	p.SetupRoutes(mux, next)

	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(p.log.Named("recovery"))),
		handlers.PrintRecoveryStack(true),
	)(mux)

	return handlers.LoggingHandler(&zapio.Writer{Log: p.log.Named("http"), Level: zap.InfoLevel}, recovered)
}

// withCORS wraps a handler with CORS headers
func (p *OAuthProxy) withCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, mcp-protocol-version")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, WWW-Authenticate")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (p *OAuthProxy) withRateLimit(next http.Handler) http.Handler {
	if p.rateLimiter == nil {
		return next
	}
	return p.rateLimiter.Middleware(next)
}

func (p *OAuthProxy) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (p *OAuthProxy) oauthMetadataHandler(w http.ResponseWriter, r *http.Request) {
	issuer := handlerutils.GetIssuerURL(r, p.config.IssuerURL, p.config.RoutePrefix)

	metadata := &types.OAuthMetadata{
		Issuer:                                   issuer,
		ServiceDocumentation:                     p.metadata.ServiceDocumentation,
		AuthorizationEndpoint:                    issuer + "/authorize",
		ResponseTypesSupported:                   p.metadata.ResponseTypesSupported,
		CodeChallengeMethodsSupported:            p.metadata.CodeChallengeMethodsSupported,
		TokenEndpoint:                            issuer + "/token",
		TokenEndpointAuthMethodsSupported:        p.metadata.TokenEndpointAuthMethodsSupported,
		GrantTypesSupported:                      p.metadata.GrantTypesSupported,
		ScopesSupported:                          p.metadata.ScopesSupported,
		RevocationEndpoint:                       issuer + "/revoke",
		RevocationEndpointAuthMethodsSupported:   p.metadata.RevocationEndpointAuthMethodsSupported,
		RegistrationEndpoint:                     issuer + "/register",
		RegistrationEndpointAuthMethodsSupported: p.metadata.RegistrationEndpointAuthMethodsSupported,
	}

	handlerutils.JSON(w, http.StatusOK, metadata)
}

func (p *OAuthProxy) protectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	issuer := handlerutils.GetIssuerURL(r, p.config.IssuerURL, p.config.RoutePrefix)

	metadata := types.OAuthProtectedResourceMetadata{
		Resource:              issuer,
		AuthorizationServers:  []string{issuer},
		Scopes:                p.metadata.ScopesSupported,
		ResourceName:          p.resourceName,
		ResourceDocumentation: p.metadata.ServiceDocumentation,
	}

	handlerutils.JSON(w, http.StatusOK, metadata)
}

// mcpHandler serves authenticated requests according to the configured mode.
func (p *OAuthProxy) mcpHandler(next http.Handler) http.Handler {
	switch p.config.Mode {
	case ModeMiddleware:
		if next == nil {
			next = http.NotFoundHandler()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setHeaders(r.Header, validate.GetAuthInfo(r))
			next.ServeHTTP(w, r)
		})
	case ModeForwardAuth:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setHeaders(w.Header(), validate.GetAuthInfo(r))
			w.WriteHeader(http.StatusOK)
		})
	default:
		return p.reverseProxy()
	}
}

func (p *OAuthProxy) reverseProxy() http.Handler {
	target := p.mcpServerURL
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = "/" + pr.In.PathValue("path")
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			setHeaders(pr.Out.Header, validate.GetAuthInfo(pr.In))
		},
		ModifyResponse: func(resp *http.Response) error {
			// Rewrite Location header to use proxy host instead of downstream server host
			location := resp.Header.Get("Location")
			if location == "" {
				return nil
			}
			locationURL, err := url.Parse(location)
			if err != nil || locationURL.Host != target.Host {
				return nil
			}
			if proxyHost := resp.Request.Header.Get("X-Forwarded-Host"); proxyHost != "" {
				locationURL.Scheme = resp.Request.Header.Get("X-Forwarded-Proto")
				locationURL.Host = proxyHost
				locationURL.Path = p.config.RoutePrefix + locationURL.Path
				resp.Header.Set("Location", locationURL.String())
			}
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			p.log.Warn("proxy error", zap.String("path", req.URL.Path), zap.Error(err))
			rw.WriteHeader(http.StatusBadGateway)
		},
	}
}

// setHeaders hands the authenticated user to the backend. Values supplied by the caller are
// always overwritten or removed.
func setHeaders(header http.Header, info *types.AuthInfo) {
	if info != nil && info.Extra.UserID != "" {
		header.Set(HeaderUser, info.Extra.UserID)
	} else {
		header.Del(HeaderUser)
	}
	if info != nil && info.Extra.UpstreamCredential != "" {
		header.Set(HeaderUpstreamCredential, info.Extra.UpstreamCredential)
	} else {
		header.Del(HeaderUpstreamCredential)
	}
}

// ParseScopesSupported parses a comma-separated scopes string and trims whitespace from each scope.
func ParseScopesSupported(envScopes string) []string {
	scopesRaw := strings.Split(envScopes, ",")
	scopesSupported := make([]string, 0, len(scopesRaw))
	for _, scope := range scopesRaw {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			scopesSupported = append(scopesSupported, trimmed)
		}
	}
	return scopesSupported
}
