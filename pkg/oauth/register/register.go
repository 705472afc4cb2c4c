package register

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/obot-platform/mcp-oauth-vault/pkg/encryption"
	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/oauth/clientauth"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 1024 * 1024

type ClientRegistrar interface {
	RegisterClient(client *types.ClientInfo) error
}

func NewHandler(registrar ClientRegistrar, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		registrar: registrar,
		validate:  validator.New(),
		log:       log,
		now:       time.Now,
	}
}

type Handler struct {
	registrar ClientRegistrar
	validate  *validator.Validate
	log       *zap.Logger
	now       func() time.Time
}

// registration is the validated subset of RFC 7591 client metadata.
type registration struct {
	RedirectUris            []string `validate:"required,min=1,dive,url"`
	TokenEndpointAuthMethod string   `validate:"oneof=none client_secret_post client_secret_basic"`
	GrantTypes              []string `validate:"dive,oneof=authorization_code refresh_token"`
	ResponseTypes           []string `validate:"dive,eq=code"`
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "Method not allowed",
		})
		return
	}

	if r.ContentLength > maxBodyBytes {
		handlerutils.JSON(w, http.StatusRequestEntityTooLarge, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "Request payload too large, must be under 1 MiB",
		})
		return
	}

	var clientMetadata map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&clientMetadata); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidRequest,
			ErrorDescription: "Invalid JSON payload",
		})
		return
	}

	clientInfo, err := p.validateClientMetadata(clientMetadata)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            types.ErrorInvalidClientMetadata,
			ErrorDescription: err.Error(),
		})
		return
	}

	clientInfo.ClientID = uuid.NewString()
	clientInfo.RegistrationDate = p.now().Unix()

	var clientSecret string
	if !clientInfo.IsPublic() {
		clientSecret = encryption.GenerateToken()
		if clientInfo.ClientSecret, err = clientauth.HashSecret(clientSecret); err != nil {
			p.log.Error("failed to hash client secret", zap.Error(err))
			handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
				Error:            types.ErrorServerError,
				ErrorDescription: "Failed to register client",
			})
			return
		}
	}

	if err := p.registrar.RegisterClient(clientInfo); err != nil {
		p.log.Error("failed to register client", zap.Error(err))
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            types.ErrorServerError,
			ErrorDescription: "Failed to register client",
		})
		return
	}

	response := map[string]any{
		"client_id":                  clientInfo.ClientID,
		"redirect_uris":              clientInfo.RedirectUris,
		"client_name":                clientInfo.ClientName,
		"logo_uri":                   clientInfo.LogoURI,
		"client_uri":                 clientInfo.ClientURI,
		"policy_uri":                 clientInfo.PolicyURI,
		"tos_uri":                    clientInfo.TosURI,
		"jwks_uri":                   clientInfo.JwksURI,
		"contacts":                   clientInfo.Contacts,
		"grant_types":                clientInfo.GrantTypes,
		"response_types":             clientInfo.ResponseTypes,
		"token_endpoint_auth_method": clientInfo.TokenEndpointAuthMethod,
		"client_id_issued_at":        clientInfo.RegistrationDate,
	}
	if clientSecret != "" {
		response["client_secret"] = clientSecret
		response["client_secret_expires_at"] = 0
	}

	handlerutils.NoStore(w)
	handlerutils.JSON(w, http.StatusCreated, response)
}

func (p *Handler) validateClientMetadata(metadata map[string]any) (*types.ClientInfo, error) {
	validateStringField := func(field any, name string) (string, error) {
		if field == nil {
			return "", nil
		}
		if str, ok := field.(string); ok {
			return str, nil
		}
		return "", fmt.Errorf("field %s must be a string", name)
	}

	validateStringArray := func(arr any, name string) ([]string, error) {
		if arr == nil {
			return nil, nil
		}
		if array, ok := arr.([]any); ok {
			result := make([]string, len(array))
			for i, item := range array {
				if str, ok := item.(string); ok {
					result[i] = str
				} else {
					return nil, fmt.Errorf("all elements in %s must be strings", name)
				}
			}
			return result, nil
		}
		return nil, fmt.Errorf("field %s must be an array", name)
	}

	info := &types.ClientInfo{}
	for name, target := range map[string]*string{
		"token_endpoint_auth_method": &info.TokenEndpointAuthMethod,
		"client_name":                &info.ClientName,
		"logo_uri":                   &info.LogoURI,
		"client_uri":                 &info.ClientURI,
		"policy_uri":                 &info.PolicyURI,
		"tos_uri":                    &info.TosURI,
		"jwks_uri":                   &info.JwksURI,
	} {
		value, err := validateStringField(metadata[name], name)
		if err != nil {
			return nil, err
		}
		*target = value
	}

	var err error
	if info.RedirectUris, err = validateStringArray(metadata["redirect_uris"], "redirect_uris"); err != nil {
		return nil, err
	}
	if info.Contacts, err = validateStringArray(metadata["contacts"], "contacts"); err != nil {
		return nil, err
	}
	if info.GrantTypes, err = validateStringArray(metadata["grant_types"], "grant_types"); err != nil {
		return nil, err
	}
	if info.ResponseTypes, err = validateStringArray(metadata["response_types"], "response_types"); err != nil {
		return nil, err
	}

	if info.TokenEndpointAuthMethod == "" {
		info.TokenEndpointAuthMethod = clientauth.MethodSecretBasic
	}
	// inspector will check the schema and see if it is null, so this is a workaround
	if len(info.Contacts) == 0 {
		info.Contacts = []string{}
	}
	if len(info.GrantTypes) == 0 {
		info.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(info.ResponseTypes) == 0 {
		info.ResponseTypes = []string{"code"}
	}
	if !slices.Contains(info.GrantTypes, "authorization_code") {
		return nil, fmt.Errorf("grant_types must include authorization_code")
	}

	if err := p.validate.Struct(registration{
		RedirectUris:            info.RedirectUris,
		TokenEndpointAuthMethod: info.TokenEndpointAuthMethod,
		GrantTypes:              info.GrantTypes,
		ResponseTypes:           info.ResponseTypes,
	}); err != nil {
		return nil, describe(err)
	}

	return info, nil
}

func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	field, _, _ := strings.Cut(verrs[0].StructField(), "[")
	switch field {
	case "RedirectUris":
		return fmt.Errorf("redirect_uris must contain at least one absolute URI")
	case "TokenEndpointAuthMethod":
		return fmt.Errorf("unsupported token_endpoint_auth_method")
	case "GrantTypes":
		return fmt.Errorf("unsupported grant type, only authorization_code and refresh_token are allowed")
	case "ResponseTypes":
		return fmt.Errorf("unsupported response type, only code is allowed")
	default:
		return fmt.Errorf("invalid client metadata")
	}
}
