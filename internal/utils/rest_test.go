package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
	}{
		{name: "bad request", code: http.StatusBadRequest, message: "Invalid input"},
		{name: "unauthorized", code: http.StatusUnauthorized, message: "Authentication required"},
		{name: "not found", code: http.StatusNotFound, message: "Resource not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			RespondWithError(w, tt.code, tt.message)

			if w.Code != tt.code {
				t.Errorf("RespondWithError() status = %d, want %d", w.Code, tt.code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("RespondWithError() Content-Type = %s, want application/json", ct)
			}

			var response ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Error.Message != tt.message {
				t.Errorf("message = %s, want %s", response.Error.Message, tt.message)
			}
			if response.Error.Code != tt.code {
				t.Errorf("code = %d, want %d", response.Error.Code, tt.code)
			}
			if response.Error.Type != "invalid_request_error" {
				t.Errorf("type = %s, want invalid_request_error", response.Error.Type)
			}
		})
	}
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()
	payload := map[string]any{"job_id": "abc", "status": "pending"}

	if err := RespondWithJSON(w, http.StatusCreated, payload); err != nil {
		t.Fatalf("RespondWithJSON() error = %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["status"] != "pending" {
		t.Errorf("status field = %v, want pending", got["status"])
	}
}
