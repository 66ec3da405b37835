// Package httputil holds the JSON response envelope shared by every handler.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
)

const genericServerError = "Internal server error."

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates err into a status and JSON envelope. Messages of
// server-side failures are replaced so that collaborator details never leak.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	message := genericServerError
	if de, ok := dErrors.As(err); ok && dErrors.IsClientFault(code) {
		message = de.Message
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), ErrorResponse{
		Error: message,
		Kind:  string(code),
	})
}
