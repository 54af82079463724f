package errors

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON envelope for every failed request.
type Response struct {
	Success bool   `json:"success"`
	Error   Kind   `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes err as a JSON error response. Only the kind and the
// client-safe message are exposed; wrapped causes stay in the logs.
func WriteJSON(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   kind,
		Message: MessageOf(err),
	})
}
