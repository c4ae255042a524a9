// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware across packages. Domain errors carry
// their own status; everything else is a 500 with a generic body so internal
// details never leak.
package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type messageBody struct {
	Message string `json:"message"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// WriteError maps a domain error to its status code, or logs and returns a
// generic 500 for anything else.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if de, ok := AsDomainError(err); ok {
		if de.Kind == KindNotAuthenticated {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		WriteJSON(w, de.Status(), messageBody{Message: de.Message})
		return
	}
	LogError(r, "internal server error", "error", err)
	WriteJSON(w, http.StatusInternalServerError, messageBody{Message: "internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, messageBody{Message: message})
}

// NoContent returns an empty 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
