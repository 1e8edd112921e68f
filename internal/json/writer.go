package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/labauth/internal/log"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	WriteErrorResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// WriteErrorResponse writes a fully populated error body
func WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	if err := WriteResponse(w, statusCode, resp); err != nil {
		// Fallback to plain text error if JSON encoding fails
		http.Error(w, resp.Error+": "+resp.Message, statusCode)
	}
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}
