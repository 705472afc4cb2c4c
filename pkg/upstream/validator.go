// Package upstream confirms that a credential belongs to the identity a user claims, by exercising
// it against the upstream API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	DefaultUserPath      = "/api/v1/users/me"
	DefaultIdentityField = "email"
	DefaultIDField       = "id"
	DefaultTimeout       = 15 * time.Second

	maxResponseBytes = 1 << 20
)

// Options configures a Validator
type Options struct {
	// BaseURL is the upstream API root, e.g. https://erp.example.com.
	BaseURL string
	// UserPath is appended to BaseURL. The claimed identity is sent as a query parameter named
	// after IdentityField.
	UserPath      string
	IdentityField string
	IDField       string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// Validator checks identity and credential pairs against the upstream API
type Validator struct {
	userURL       *url.URL
	identityField string
	idField       string
	timeout       time.Duration
	httpClient    *http.Client
	log           *zap.Logger
}

// NewValidator creates a Validator, filling unset options with defaults
func NewValidator(opts Options) (*Validator, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if opts.UserPath == "" {
		opts.UserPath = DefaultUserPath
	}
	if opts.IdentityField == "" {
		opts.IdentityField = DefaultIdentityField
	}
	if opts.IDField == "" {
		opts.IDField = DefaultIDField
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	userURL, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/" + strings.TrimPrefix(opts.UserPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if userURL.Scheme != "http" && userURL.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL must be http or https, got %q", opts.BaseURL)
	}

	return &Validator{
		userURL:       userURL,
		identityField: opts.IdentityField,
		idField:       opts.IDField,
		timeout:       opts.Timeout,
		httpClient:    opts.HTTPClient,
		log:           opts.Logger,
	}, nil
}

// Validate returns the upstream user id when credential is a working credential for exactly the
// claimed identity. Every failure, including network errors, is reported as ok == false and
// logged here; the credential is never logged.
func (v *Validator) Validate(ctx context.Context, identity, credential string) (string, bool) {
	identity = strings.TrimSpace(identity)
	if identity == "" || credential == "" {
		return "", false
	}

	log := v.log.With(zap.String("identity", identity))

	record, err := v.fetchUser(ctx, identity, credential)
	if err != nil {
		log.Warn("upstream credential validation failed", zap.Error(err))
		return "", false
	}

	claimed, _ := record[v.identityField].(string)
	if claimed != identity {
		log.Warn("upstream credential belongs to a different identity")
		return "", false
	}

	userID := stringify(record[v.idField])
	if userID == "" {
		log.Warn("upstream user record has no id", zap.String("field", v.idField))
		return "", false
	}

	log.Debug("upstream credential validated", zap.String("user_id", userID))
	return userID, true
}

func (v *Validator) fetchUser(ctx context.Context, identity, credential string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	u := *v.userURL
	q := u.Query()
	q.Set(v.identityField, identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, v.httpClient), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: credential,
		TokenType:   "Bearer",
	}))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			v.log.Debug("error closing response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return decodeUser(body)
}

// decodeUser accepts a single user object or a list of users and returns the first record.
func decodeUser(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}

	switch p := payload.(type) {
	case map[string]any:
		return p, nil
	case []any:
		if len(p) == 0 {
			return nil, fmt.Errorf("no user record returned")
		}
		record, ok := p[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected user record type %T", p[0])
		}
		return record, nil
	default:
		return nil, fmt.Errorf("unexpected user response type %T", payload)
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return ""
	}
}
