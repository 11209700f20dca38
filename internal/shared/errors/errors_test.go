package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		sentinel error
		code     string
		status   int
	}{
		{"not found", NotFound("prediction", "abc"), ErrNotFound, "NOT_FOUND", http.StatusNotFound},
		{"unauthorized", Unauthorized("missing token"), ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized},
		{"forbidden", Forbidden("insufficient permissions"), ErrForbidden, "FORBIDDEN", http.StatusForbidden},
		{"bad request", BadRequest("bad json"), ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest},
		{"validation", Validation("age out of range", map[string]string{"field": "age"}), ErrValidation, "VALIDATION_ERROR", http.StatusUnprocessableEntity},
		{"scoring", Scoring(errors.New("shape mismatch")), ErrScoring, "SCORING_ERROR", http.StatusInternalServerError},
		{"unavailable", Unavailable("model not loaded"), ErrUnavailable, "UNAVAILABLE", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, tt.err.Code)
			}
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, tt.err.HTTPStatus)
			}
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("Expected errors.Is(%v, %v)", tt.err, tt.sentinel)
			}
		})
	}
}

func TestScoringKeepsCause(t *testing.T) {
	cause := errors.New("unseen category")
	err := Scoring(cause)
	if !errors.Is(err, cause) {
		t.Error("Scoring error should wrap its cause")
	}
}
