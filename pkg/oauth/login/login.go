// Package login serves the page where a user proves an upstream identity with an API key. A
// successful login stores the key in the vault and completes the pending authorization.
package login

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

const (
	msgInvalidCredentials = "Invalid credentials"
	msgMissingFields      = "Email and API key are required"
	msgExpired            = "This authorization request is invalid or has expired. Start again from your application."
	msgServerError        = "Something went wrong while completing the authorization. Please try again."
)

type Authorizer interface {
	PendingAuthorization(pendingID string) (*types.PendingAuthorization, bool)
	ValidateUpstreamCredential(ctx context.Context, identity, credential string) (string, bool)
	SaveUpstreamCredential(userID, credential string) error
	CompleteAuthorization(pendingID, userID string) (*types.AuthorizationResult, error)
}

type Handler struct {
	provider Authorizer
	tickets  *tickets
	validate *validator.Validate
	log      *zap.Logger
}

// NewHandler creates the login handler. ticketTTL bounds how long a rendered form stays usable
// and should match the pending authorization lifetime.
func NewHandler(provider Authorizer, ticketTTL time.Duration, log *zap.Logger) (*Handler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	t, err := newTickets(ticketTTL)
	if err != nil {
		return nil, err
	}
	return &Handler{
		provider: provider,
		tickets:  t,
		validate: validator.New(),
		log:      log,
	}, nil
}

type loginRequest struct {
	PendingID  string `validate:"required"`
	Ticket     string `validate:"required"`
	Identity   string `validate:"required,max=320"`
	Credential string `validate:"required,max=4096"`
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.showForm(w, r)
	case http.MethodPost:
		p.submit(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (p *Handler) showForm(w http.ResponseWriter, r *http.Request) {
	pendingID := r.URL.Query().Get("pending_id")
	pending, ok := p.provider.PendingAuthorization(pendingID)
	if pendingID == "" || !ok {
		p.render(w, http.StatusBadRequest, pageData{Error: msgExpired})
		return
	}

	p.renderForm(w, http.StatusOK, pendingID, pending, "", "")
}

func (p *Handler) submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.render(w, http.StatusBadRequest, pageData{Error: msgExpired})
		return
	}

	req := loginRequest{
		PendingID:  r.PostForm.Get("pending_id"),
		Ticket:     r.PostForm.Get("ticket"),
		Identity:   r.PostForm.Get("identity"),
		Credential: r.PostForm.Get("credential"),
	}

	if req.PendingID == "" || req.Ticket == "" {
		p.render(w, http.StatusBadRequest, pageData{Error: msgExpired})
		return
	}

	if err := p.tickets.verify(req.Ticket, req.PendingID); err != nil {
		p.log.Warn("rejected login submission", zap.Error(err))
		p.render(w, http.StatusBadRequest, pageData{Error: msgExpired})
		return
	}

	pending, ok := p.provider.PendingAuthorization(req.PendingID)
	if !ok {
		p.render(w, http.StatusBadRequest, pageData{Error: msgExpired})
		return
	}

	if err := p.validate.Struct(req); err != nil {
		p.renderForm(w, http.StatusBadRequest, req.PendingID, pending, req.Identity, msgMissingFields)
		return
	}

	userID, ok := p.provider.ValidateUpstreamCredential(r.Context(), req.Identity, req.Credential)
	if !ok {
		p.log.Info("upstream credential rejected", zap.String("client_id", pending.Client.ClientID))
		p.renderForm(w, http.StatusUnauthorized, req.PendingID, pending, req.Identity, msgInvalidCredentials)
		return
	}

	if err := p.provider.SaveUpstreamCredential(userID, req.Credential); err != nil {
		p.log.Error("failed to store upstream credential", zap.String("user_id", userID), zap.Error(err))
		p.renderForm(w, http.StatusInternalServerError, req.PendingID, pending, req.Identity, msgServerError)
		return
	}

	result, err := p.provider.CompleteAuthorization(req.PendingID, userID)
	if err != nil {
		// lost a race with another submission of the same form, or the request expired
		p.log.Warn("failed to complete authorization", zap.String("user_id", userID), zap.Error(err))
		p.render(w, http.StatusBadRequest, pageData{Error: msgExpired})
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

func (p *Handler) renderForm(w http.ResponseWriter, status int, pendingID string, pending *types.PendingAuthorization, identity, message string) {
	ticket, err := p.tickets.issue(pendingID)
	if err != nil {
		p.log.Error("failed to issue login ticket", zap.Error(err))
		p.render(w, http.StatusInternalServerError, pageData{Error: msgServerError})
		return
	}

	data := pageData{
		PendingID: pendingID,
		Ticket:    ticket,
		Identity:  identity,
		Error:     message,
	}
	if pending.Client != nil {
		data.ClientName = pending.Client.ClientName
	}
	p.render(w, status, data)
}

func (p *Handler) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	if err := loginPage.Execute(w, data); err != nil {
		p.log.Error("failed to render login page", zap.Error(err))
	}
}
