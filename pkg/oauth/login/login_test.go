package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const secretKey = "sk-live-do-not-echo-0123456789"

type fakeProvider struct {
	mu       sync.Mutex
	pending  map[string]*types.PendingAuthorization
	users    map[string]string // identity -> credential
	saved    map[string]string
	saveErr  error
	complete []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pending: map[string]*types.PendingAuthorization{
			"p1": {
				Client: &types.ClientInfo{ClientID: "c1", ClientName: "Inspector"},
				Params: types.AuthorizationParams{RedirectURI: "https://cb", State: "s"},
			},
			"p2": {
				Client: &types.ClientInfo{ClientID: "c2"},
				Params: types.AuthorizationParams{RedirectURI: "https://other"},
			},
		},
		users: map[string]string{"alice@example.com": secretKey},
		saved: map[string]string{},
	}
}

func (f *fakeProvider) PendingAuthorization(pendingID string) (*types.PendingAuthorization, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[pendingID]
	return p, ok
}

func (f *fakeProvider) ValidateUpstreamCredential(_ context.Context, identity, credential string) (string, bool) {
	if want, ok := f.users[identity]; ok && want == credential {
		return "user-" + identity, true
	}
	return "", false
}

func (f *fakeProvider) SaveUpstreamCredential(userID, credential string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[userID] = credential
	return nil
}

func (f *fakeProvider) CompleteAuthorization(pendingID, userID string) (*types.AuthorizationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[pendingID]
	if !ok {
		return nil, errors.New("pending authorization not found")
	}
	delete(f.pending, pendingID)
	f.complete = append(f.complete, userID)
	return &types.AuthorizationResult{
		Code:        "C1",
		State:       p.Params.State,
		RedirectURL: p.Params.RedirectURI + "?code=C1&state=" + p.Params.State,
	}, nil
}

var ticketField = regexp.MustCompile(`name="ticket" value="([^"]+)"`)

func newHandler(t *testing.T, provider Authorizer) *Handler {
	t.Helper()
	h, err := NewHandler(provider, 10*time.Minute, nil)
	require.NoError(t, err)
	return h
}

func getForm(t *testing.T, h http.Handler, pendingID string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?pending_id="+url.QueryEscape(pendingID), nil))

	match := ticketField.FindStringSubmatch(rec.Body.String())
	if match == nil {
		return rec, ""
	}
	return rec, match[1]
}

func submit(h http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func loginForm(pendingID, ticket, identity, credential string) url.Values {
	return url.Values{
		"pending_id": {pendingID},
		"ticket":     {ticket},
		"identity":   {identity},
		"credential": {credential},
	}
}

func TestShowForm(t *testing.T) {
	h := newHandler(t, newFakeProvider())

	rec, ticket := getForm(t, h, "p1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `name="pending_id" value="p1"`)
	assert.Contains(t, rec.Body.String(), "Inspector")
	assert.NotEmpty(t, ticket)
}

func TestShowFormUnknownPending(t *testing.T) {
	h := newHandler(t, newFakeProvider())

	for _, id := range []string{"", "nope"} {
		rec, ticket := getForm(t, h, id)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, ticket)
		assert.Contains(t, rec.Body.String(), "invalid or has expired")
	}
}

func TestSubmitSuccess(t *testing.T) {
	provider := newFakeProvider()
	h := newHandler(t, provider)
	_, ticket := getForm(t, h, "p1")

	rec := submit(h, loginForm("p1", ticket, "alice@example.com", secretKey))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cb?code=C1&state=s", rec.Header().Get("Location"))
	assert.Equal(t, secretKey, provider.saved["user-alice@example.com"])
	assert.Equal(t, []string{"user-alice@example.com"}, provider.complete)
}

func TestSubmitInvalidCredentials(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	provider := newFakeProvider()
	h, err := NewHandler(provider, 10*time.Minute, zap.New(core))
	require.NoError(t, err)
	_, ticket := getForm(t, h, "p1")

	wrong := "sk-wrong-key-should-never-appear"
	rec := submit(h, loginForm("p1", ticket, "alice@example.com", wrong))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, msgInvalidCredentials)
	assert.NotContains(t, body, wrong)
	assert.Contains(t, body, `value="alice@example.com"`)
	assert.Contains(t, body, `name="pending_id" value="p1"`)
	assert.Empty(t, provider.saved)

	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, wrong)
		for _, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), wrong)
		}
	}

	// the re-rendered form is still usable
	retry := ticketField.FindStringSubmatch(body)
	require.NotNil(t, retry)
	rec = submit(h, loginForm("p1", retry[1], "alice@example.com", secretKey))
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestSubmitUnknownIdentity(t *testing.T) {
	h := newHandler(t, newFakeProvider())
	_, ticket := getForm(t, h, "p1")

	rec := submit(h, loginForm("p1", ticket, "mallory@example.com", secretKey))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), secretKey)
}

func TestSubmitMissingFields(t *testing.T) {
	h := newHandler(t, newFakeProvider())
	_, ticket := getForm(t, h, "p1")

	rec := submit(h, loginForm("p1", ticket, "alice@example.com", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), msgMissingFields)
}

func TestSubmitRejectsBadTickets(t *testing.T) {
	provider := newFakeProvider()
	h := newHandler(t, provider)
	_, ticketP2 := getForm(t, h, "p2")

	other := newHandler(t, provider)
	_, foreign := getForm(t, other, "p1")

	cases := map[string]string{
		"missing":       "",
		"garbage":       "not-a-jwt",
		"other pending": ticketP2,
		"other key":     foreign,
	}
	for name, ticket := range cases {
		t.Run(name, func(t *testing.T) {
			rec := submit(h, loginForm("p1", ticket, "alice@example.com", secretKey))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, provider.saved)
		})
	}
}

func TestSubmitExpiredTicket(t *testing.T) {
	provider := newFakeProvider()
	h := newHandler(t, provider)
	_, ticket := getForm(t, h, "p1")

	h.tickets.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	rec := submit(h, loginForm("p1", ticket, "alice@example.com", secretKey))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, provider.saved)
}

func TestSubmitConsumedPending(t *testing.T) {
	provider := newFakeProvider()
	h := newHandler(t, provider)
	_, ticket := getForm(t, h, "p1")

	require.Equal(t, http.StatusFound, submit(h, loginForm("p1", ticket, "alice@example.com", secretKey)).Code)

	rec := submit(h, loginForm("p1", ticket, "alice@example.com", secretKey))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, provider.complete, 1)
}

func TestSubmitVaultFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.saveErr = errors.New("database is locked")
	h := newHandler(t, provider)
	_, ticket := getForm(t, h, "p1")

	rec := submit(h, loginForm("p1", ticket, "alice@example.com", secretKey))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
	assert.Empty(t, provider.complete)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler(t, newFakeProvider())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
