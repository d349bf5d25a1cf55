package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// ValidationError carries field-level messages for a 422 response.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return "invalid fields: " + strings.Join(names, ", ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// orNil returns e when any field failed.
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeValidation(w http.ResponseWriter, ve *ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"success": false,
		"message": "The given data was invalid.",
		"errors":  ve.Fields,
	})
}

func writeNotFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":   what + " not found",
		"message": "The requested " + what + " was not found.",
	})
}

// writeServerError hides err unless the server runs in a dev environment.
func (h *handler) writeServerError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).Msg(msg)
	body := map[string]any{"success": false, "message": msg}
	if h.dev {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}
