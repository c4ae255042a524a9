// Package apps manages the OAuth2 client registry. Every app is owned by
// the user who registered it; only the creator may read, change, or delete
// it.
package apps

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/verity-id/verity/internal/auth"
	"github.com/verity-id/verity/internal/oauth2"
	"github.com/verity-id/verity/internal/store"
)

// Store defines the database operations the handlers need. Satisfied by
// *store.PostgresStore.
type Store interface {
	CreateApp(ctx context.Context, a *store.App) error
	GetAppByClientID(ctx context.Context, clientID uuid.UUID) (*store.App, error)
	UpdateApp(ctx context.Context, id uuid.UUID, name string, redirectURIs, scopes []string) (*store.App, error)
	DeleteApp(ctx context.Context, id uuid.UUID) error
}

// Handler holds dependencies for the /apps endpoints.
type Handler struct {
	DB Store
}

// appBody is the public app representation. The client secret never appears
// here; see createdBody.
type appBody struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	CreatorID    uuid.UUID `json:"creator_id"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// createdBody extends appBody with the one-time plaintext secret.
type createdBody struct {
	appBody
	ClientSecret string `json:"client_secret"`
}

func publicApp(a *store.App) appBody {
	return appBody{
		ID:           a.ID,
		Name:         a.Name,
		CreatorID:    a.CreatorID,
		RedirectURIs: a.RedirectURIs,
		Scopes:       a.Scopes,
		CreatedAt:    a.CreatedAt,
	}
}

// appFromRequest loads the app named in the URL and checks creator
// ownership. Non-creators get the same 404 as a missing app so the registry
// cannot be enumerated.
func (h *Handler) appFromRequest(r *http.Request) (*store.App, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, errors.New("missing principal in context")
	}
	if p.Session == nil {
		return nil, auth.ErrNotSupportedByOAuth2
	}
	id, err := uuid.FromString(chi.URLParam(r, "appID"))
	if err != nil {
		return nil, auth.ErrAppNotFound
	}
	app, err := h.DB.GetAppByClientID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrAppNotFound
		}
		return nil, err
	}
	if app.CreatorID != p.User.ID {
		return nil, auth.ErrAppNotFound
	}
	return app, nil
}

func validateAppInput(name string, redirectURIs, scopes []string) string {
	if name == "" {
		return "name required"
	}
	if len(name) > 64 {
		return "name must be at most 64 characters"
	}
	if len(redirectURIs) == 0 {
		return "at least one redirect_uri required"
	}
	if len(scopes) == 0 {
		return "at least one scope required"
	}
	return ""
}

// Create handles POST /apps -- registers a new OAuth2 client. The plaintext
// client secret appears in this response and nowhere else.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		auth.WriteError(w, r, errors.New("missing principal in context"))
		return
	}
	// App management is first-party only.
	if p.Session == nil {
		auth.WriteError(w, r, auth.ErrNotSupportedByOAuth2)
		return
	}

	var in struct {
		Name         string   `json:"name"`
		RedirectURIs []string `json:"redirect_uris"`
		Scopes       []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		auth.BadRequest(w, "error decoding request body")
		return
	}
	if msg := validateAppInput(in.Name, in.RedirectURIs, in.Scopes); msg != "" {
		auth.BadRequest(w, msg)
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}
	secret, err := oauth2.NewClientSecret()
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}

	app := &store.App{
		ID:               id,
		Name:             in.Name,
		CreatorID:        p.User.ID,
		ClientSecretHash: oauth2.HashClientSecret(secret),
		RedirectURIs:     in.RedirectURIs,
		Scopes:           in.Scopes,
	}
	if err := h.DB.CreateApp(r.Context(), app); err != nil {
		auth.WriteError(w, r, err)
		return
	}

	auth.LogInfo(r, "app registered", "app_id", id, "creator_id", p.User.ID)
	auth.WriteJSON(w, http.StatusCreated, createdBody{
		appBody:      publicApp(app),
		ClientSecret: secret,
	})
}

// Get handles GET /apps/{appID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	app, err := h.appFromRequest(r)
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}
	auth.WriteJSON(w, http.StatusOK, publicApp(app))
}

// Update handles PATCH /apps/{appID}. Absent fields keep their current
// values; the client id and secret never change here.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	app, err := h.appFromRequest(r)
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}

	var in struct {
		Name         *string  `json:"name"`
		RedirectURIs []string `json:"redirect_uris"`
		Scopes       []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		auth.BadRequest(w, "error decoding request body")
		return
	}

	name := app.Name
	if in.Name != nil {
		name = *in.Name
	}
	redirectURIs := app.RedirectURIs
	if in.RedirectURIs != nil {
		redirectURIs = in.RedirectURIs
	}
	scopes := app.Scopes
	if in.Scopes != nil {
		scopes = in.Scopes
	}
	if msg := validateAppInput(name, redirectURIs, scopes); msg != "" {
		auth.BadRequest(w, msg)
		return
	}

	updated, err := h.DB.UpdateApp(r.Context(), app.ID, name, redirectURIs, scopes)
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}

	auth.LogInfo(r, "app updated", "app_id", app.ID)
	auth.WriteJSON(w, http.StatusOK, publicApp(updated))
}

// Delete handles DELETE /apps/{appID}. Cascades to the app's OAuth2
// sessions, so every token issued for the app dies with it.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	app, err := h.appFromRequest(r)
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}
	if err := h.DB.DeleteApp(r.Context(), app.ID); err != nil {
		auth.WriteError(w, r, err)
		return
	}
	auth.LogInfo(r, "app deleted", "app_id", app.ID)
	auth.NoContent(w)
}
