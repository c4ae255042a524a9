// Package wellknown serves the discovery documents under /.well-known/:
// the JWKS for identity-token verification and the OpenID provider
// configuration.
package wellknown

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"

	"github.com/verity-id/verity/internal/auth"
)

// Keyer exposes the identity-token verification key. Satisfied by
// *token.Codec.
type Keyer interface {
	// PublicKey returns (nil, "") when no asymmetric key is configured.
	PublicKey() (*rsa.PublicKey, string)
}

// Handler serves the discovery documents.
type Handler struct {
	Keys   Keyer
	Issuer string
}

// jwk is a single RSA verification key in JWK form (RFC 7517).
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS handles GET /.well-known/jwks.json. The set is empty when the
// asymmetric path is disabled, which is still a valid document.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	keys := []jwk{}
	if pub, kid := h.Keys.PublicKey(); pub != nil {
		keys = append(keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	auth.WriteJSON(w, http.StatusOK, map[string][]jwk{"keys": keys})
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *Handler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	auth.WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":                                h.Issuer,
		"authorization_endpoint":                h.Issuer + "/oauth2/authorize",
		"token_endpoint":                        h.Issuer + "/oauth2/token",
		"userinfo_endpoint":                     h.Issuer + "/users/me",
		"jwks_uri":                              h.Issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}
