package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error envelope returned by every API endpoint.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RespondWithError sends an error response
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithTypedError(w, code, "invalid_request_error", message)
}

// RespondWithTypedError sends an error response with an explicit error type
func RespondWithTypedError(w http.ResponseWriter, code int, errType, message string) {
	_ = RespondWithJSON(w, code, ErrorResponse{Error: ErrorBody{Message: message, Type: errType, Code: code}})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return err
	}
	return nil
}
