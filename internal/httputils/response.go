// Package httputils holds small helpers shared by the API handlers.
package httputils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HandleAPIResponse writes resp as JSON, or err as an HTTP error with the
// given status.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp interface{}, err error, status int) {
	if err != nil {
		slog.Warn("API request failed",
			"remoteAddr", r.RemoteAddr, "method", r.Method, "path", r.URL.Path,
			"status", status, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to serialize API response",
			"method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
