// Package httputil holds the small JSON response helpers shared by the
// Center API handlers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/banshee-data/sentinel/internal/monitoring"
)

// ContentTypeGeoJSON is the media type for GeoJSON bodies (RFC 7946).
const ContentTypeGeoJSON = "application/geo+json"

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a 200 JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteGeoJSON writes an already encoded GeoJSON document.
func WriteGeoJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", ContentTypeGeoJSON)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		monitoring.Logf("failed to write geojson response: %v", err)
	}
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// RequireGET answers non-GET requests with 405 and reports whether the
// handler should continue.
func RequireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return false
	}
	return true
}

// QueryInt reads a positive integer query parameter, falling back to def
// when absent. It writes a 400 and returns ok=false when the value is
// malformed or outside [1, max].
func QueryInt(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		BadRequest(w, "invalid "+name+": must be an integer between 1 and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}
