package api

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
}

// jsonResponse writes v as the response body with the given status. A nil
// v or StatusNoContent sends the status line only.
func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil || status == http.StatusNoContent {
		return
	}
	// The status line is already written; an encode failure cannot reach
	// the client anymore.
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes an {"error": message} body with the given status.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}
