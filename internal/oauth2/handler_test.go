// handler_test.go -- HTTP-level tests for the /oauth2/* endpoints.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/verity-id/verity/internal/auth"
	"github.com/verity-id/verity/internal/store"
	"github.com/verity-id/verity/internal/testutil"
)

// withSessionPrincipal injects a first-party principal the way RequireAuth
// would.
func withSessionPrincipal(r *http.Request, user *store.User) *http.Request {
	p := &auth.Principal{User: user, Session: &store.UserSession{UserID: user.ID}}
	return r.WithContext(auth.ContextWithPrincipal(r.Context(), p))
}

func postJSON(target, body string) (*http.Request, *httptest.ResponseRecorder) {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	return r, httptest.NewRecorder()
}

func TestAuthorizeEndpoint(t *testing.T) {
	db := testutil.NewMockStore()
	engine, _ := newTestEngine(t, db, nil)
	h := &Handler{Engine: engine}
	app, _ := seedApp(t, db, []string{"profile"})
	userID := seedUserID(t, db)
	user := db.Users[userID]

	t.Run("issues a code for a logged-in user", func(t *testing.T) {
		body := fmt.Sprintf(`{"client_id":"%s","redirect_uri":"https://app.test/callback","scopes":["profile"],"response_type":"code"}`, app.ID)
		r, w := postJSON("/oauth2/authorize", body)
		r = withSessionPrincipal(r, user)

		h.Authorize(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (body %s)", w.Code, w.Body.String())
		}
		var out struct {
			Code        string `json:"code"`
			RedirectURI string `json:"redirect_uri"`
		}
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if out.Code == "" {
			t.Error("empty code")
		}
		if out.RedirectURI != "https://app.test/callback" {
			t.Errorf("redirect_uri: got %q", out.RedirectURI)
		}
	})

	t.Run("access-token principal cannot authorize", func(t *testing.T) {
		body := fmt.Sprintf(`{"client_id":"%s","redirect_uri":"https://app.test/callback","scopes":["profile"],"response_type":"code"}`, app.ID)
		r, w := postJSON("/oauth2/authorize", body)
		p := &auth.Principal{User: user, Session: nil}
		r = r.WithContext(auth.ContextWithPrincipal(r.Context(), p))

		h.Authorize(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status: expected 400, got %d", w.Code)
		}
	})

	t.Run("missing client_id is a bad request", func(t *testing.T) {
		r, w := postJSON("/oauth2/authorize", `{"redirect_uri":"https://app.test/callback"}`)
		r = withSessionPrincipal(r, user)

		h.Authorize(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status: expected 400, got %d", w.Code)
		}
	})
}

func TestTokenEndpoint(t *testing.T) {
	db := testutil.NewMockStore()
	engine, _ := newTestEngine(t, db, nil)
	h := &Handler{Engine: engine}
	app, secret := seedApp(t, db, []string{"profile"})
	userID := seedUserID(t, db)

	issueCode := func(t *testing.T) string {
		t.Helper()
		code, err := engine.Authorize(context.Background(), userID, validRequest(app))
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		return code
	}

	t.Run("exchanges a code for a token pair", func(t *testing.T) {
		code := issueCode(t)
		body := fmt.Sprintf(`{"client_id":"%s","client_secret":"%s","code":"%s"}`, app.ID, secret, code)
		r, w := postJSON("/oauth2/token", body)

		h.Token(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (body %s)", w.Code, w.Body.String())
		}
		var out struct {
			AccessToken  string   `json:"access_token"`
			TokenType    string   `json:"token_type"`
			ExpiresIn    int      `json:"expires_in"`
			RefreshToken string   `json:"refresh_token"`
			Scopes       []string `json:"scopes"`
		}
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if out.TokenType != "Bearer" {
			t.Errorf("token_type: expected Bearer, got %q", out.TokenType)
		}
		if out.ExpiresIn != 3600 {
			t.Errorf("expires_in: expected 3600, got %d", out.ExpiresIn)
		}
		if out.AccessToken == "" || out.RefreshToken == "" {
			t.Error("missing tokens in response")
		}
	})

	t.Run("bad secret is rejected", func(t *testing.T) {
		code := issueCode(t)
		body := fmt.Sprintf(`{"client_id":"%s","client_secret":"wrong","code":"%s"}`, app.ID, code)
		r, w := postJSON("/oauth2/token", body)

		h.Token(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status: expected 400, got %d", w.Code)
		}
	})

	t.Run("missing fields are a bad request", func(t *testing.T) {
		r, w := postJSON("/oauth2/token", fmt.Sprintf(`{"client_id":"%s"}`, app.ID))

		h.Token(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status: expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown app is a 404", func(t *testing.T) {
		ghost, _ := uuid.NewV7()
		body := fmt.Sprintf(`{"client_id":"%s","client_secret":"s","code":"c"}`, ghost)
		r, w := postJSON("/oauth2/token", body)

		h.Token(w, r)

		if w.Code != http.StatusNotFound {
			t.Errorf("status: expected 404, got %d", w.Code)
		}
	})
}

func TestRefreshEndpoint(t *testing.T) {
	db := testutil.NewMockStore()
	engine, _ := newTestEngine(t, db, nil)
	h := &Handler{Engine: engine}
	app, secret := seedApp(t, db, []string{"profile"})
	userID := seedUserID(t, db)

	code, err := engine.Authorize(context.Background(), userID, validRequest(app))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	pair, err := engine.ExchangeCode(context.Background(), app.ID, secret, code)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	t.Run("rotates a live refresh token", func(t *testing.T) {
		r, w := postJSON("/oauth2/refresh", fmt.Sprintf(`{"refresh_token":"%s"}`, pair.RefreshToken))

		h.Refresh(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (body %s)", w.Code, w.Body.String())
		}
		var out struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if out.RefreshToken == pair.RefreshToken {
			t.Error("refresh token not rotated")
		}
	})

	t.Run("the pre-rotation token is now forbidden", func(t *testing.T) {
		r, w := postJSON("/oauth2/refresh", fmt.Sprintf(`{"refresh_token":"%s"}`, pair.RefreshToken))

		h.Refresh(w, r)

		if w.Code != http.StatusForbidden {
			t.Errorf("status: expected 403, got %d", w.Code)
		}
	})

	t.Run("empty refresh token is a bad request", func(t *testing.T) {
		r, w := postJSON("/oauth2/refresh", `{}`)

		h.Refresh(w, r)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status: expected 400, got %d", w.Code)
		}
	})
}
