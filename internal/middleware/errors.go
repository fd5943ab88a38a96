// Package middleware provides the HTTP middleware of the history API.
package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError writes the JSON error body used throughout the API.
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": message,
	})
}
