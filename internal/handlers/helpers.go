package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/opus/internal/uws"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteEngineError maps an engine error to its HTTP status code and writes
// it. Errors the engine does not classify become 500s.
func WriteEngineError(w http.ResponseWriter, err error) error {
	kind, ok := uws.ErrorKindOf(err)
	if !ok {
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
	switch kind {
	case uws.KindBadParameter:
		return WriteError(w, http.StatusBadRequest, err.Error())
	case uws.KindIllegalTransition:
		return WriteError(w, http.StatusBadRequest, err.Error())
	case uws.KindPermissionDenied:
		return WriteError(w, http.StatusForbidden, err.Error())
	case uws.KindNotFound:
		return WriteError(w, http.StatusNotFound, err.Error())
	case uws.KindConflict:
		return WriteError(w, http.StatusConflict, err.Error())
	}
	return WriteError(w, http.StatusInternalServerError, err.Error())
}

// Redirect answers a mutating request with the UWS see-other redirect to
// the resource describing the outcome.
func Redirect(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// RedirectWithWarnings behaves like Redirect but additionally surfaces
// parameter coercion warnings to the client in the redirect body.
func RedirectWithWarnings(w http.ResponseWriter, r *http.Request, location string, warnings []string) {
	if len(warnings) == 0 {
		Redirect(w, r, location)
		return
	}
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusSeeOther)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "warning",
		"warnings": warnings,
	})
}
