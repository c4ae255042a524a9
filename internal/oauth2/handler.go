package oauth2

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"

	"github.com/verity-id/verity/internal/auth"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	Engine *Engine
}

// Authorize handles POST /oauth2/authorize. The caller must already be
// logged in; the minted code is returned to the first-party frontend, which
// delivers it to the app via the redirect URI.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		auth.WriteError(w, r, errors.New("missing principal in context"))
		return
	}
	// Consent needs a first-party login; an app's own access token cannot
	// mint codes.
	if p.Session == nil {
		auth.WriteError(w, r, auth.ErrNotSupportedByOAuth2)
		return
	}

	var in struct {
		ClientID     uuid.UUID `json:"client_id"`
		RedirectURI  string    `json:"redirect_uri"`
		Scopes       []string  `json:"scopes"`
		ResponseType string    `json:"response_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		auth.LogWarn(r, "failed to decode authorize input", "error", err)
		auth.BadRequest(w, "error decoding request body")
		return
	}
	if in.ClientID.IsNil() {
		auth.BadRequest(w, "client_id required")
		return
	}

	code, err := h.Engine.Authorize(r.Context(), p.User.ID, AuthorizeRequest{
		ClientID:     in.ClientID,
		RedirectURI:  in.RedirectURI,
		Scopes:       in.Scopes,
		ResponseType: in.ResponseType,
	})
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}

	auth.LogInfo(r, "authorization code issued", "user_id", p.User.ID, "client_id", in.ClientID)
	auth.WriteJSON(w, http.StatusOK, map[string]string{
		"code":         code,
		"redirect_uri": in.RedirectURI,
	})
}

// tokenResponse follows the RFC 6749 access token response shape.
type tokenResponse struct {
	AccessToken   string   `json:"access_token"`
	TokenType     string   `json:"token_type"`
	ExpiresIn     int      `json:"expires_in"`
	RefreshToken  string   `json:"refresh_token"`
	Scopes        []string `json:"scopes"`
	IdentityToken string   `json:"id_token,omitempty"`
}

func writePair(w http.ResponseWriter, pair *TokenPair) {
	auth.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:   pair.AccessToken,
		TokenType:     "Bearer",
		ExpiresIn:     pair.ExpiresIn,
		RefreshToken:  pair.RefreshToken,
		Scopes:        pair.Scopes,
		IdentityToken: pair.IdentityToken,
	})
}

// Token handles POST /oauth2/token -- the back-channel code exchange,
// authenticated by client secret rather than a bearer token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ClientID     uuid.UUID `json:"client_id"`
		ClientSecret string    `json:"client_secret"`
		Code         string    `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		auth.LogWarn(r, "failed to decode token input", "error", err)
		auth.BadRequest(w, "error decoding request body")
		return
	}
	if in.ClientID.IsNil() || in.ClientSecret == "" || in.Code == "" {
		auth.BadRequest(w, "client_id, client_secret and code required")
		return
	}

	pair, err := h.Engine.ExchangeCode(r.Context(), in.ClientID, in.ClientSecret, in.Code)
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}

	auth.LogInfo(r, "authorization code exchanged", "client_id", in.ClientID)
	writePair(w, pair)
}

// Refresh handles POST /oauth2/refresh -- rotates the refresh token and
// issues a new access token. The old refresh token is dead after this call.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		auth.BadRequest(w, "error decoding request body")
		return
	}
	if in.RefreshToken == "" {
		auth.BadRequest(w, "refresh_token required")
		return
	}

	pair, err := h.Engine.Rotate(r.Context(), in.RefreshToken)
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}

	auth.LogInfo(r, "refresh token rotated")
	writePair(w, pair)
}
