// Package handler holds the keeper's HTTP handlers.
package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v with the given status, or a plain 500 if v cannot be
// encoded.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
