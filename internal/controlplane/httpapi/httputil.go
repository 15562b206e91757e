package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsguard/conductor/internal/conductorerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeErr classifies err through conductorerr and writes the matching
// status/body, falling back to 500 for anything unclassified.
func writeErr(w http.ResponseWriter, err error) {
	if ce, ok := err.(*conductorerr.Error); ok {
		writeError(w, ce.Status(), string(ce.Kind), ce.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
