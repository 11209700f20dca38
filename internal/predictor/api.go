package predictor

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/serbia-gov/strokerisk/internal/assembler"
	"github.com/serbia-gov/strokerisk/internal/schema"
	"github.com/serbia-gov/strokerisk/internal/scoring"
	"github.com/serbia-gov/strokerisk/internal/shared/errors"
)

// Handler provides HTTP handlers for the prediction API
type Handler struct {
	svc *Service
}

// NewHandler creates a new prediction handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the prediction routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/schema", h.GetSchema)
	r.Post("/predictions", h.CreatePrediction)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.NotFound("route", r.URL.Path))
	})

	return r
}

// PredictionRequest carries raw field values keyed by feature name
type PredictionRequest struct {
	Fields map[string]any `json:"fields"`
}

// GetSchema returns the feature schema
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Schema(r.Context())
	if err != nil {
		writeError(w, toAppError(err))
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// CreatePrediction validates and scores one submission
func (h *Handler) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	var req PredictionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Fields == nil {
		writeError(w, errors.BadRequest("fields is required"))
		return
	}

	prediction, err := h.svc.Submit(r.Context(), req.Fields)
	if err != nil {
		writeError(w, toAppError(err))
		return
	}

	writeJSON(w, http.StatusOK, prediction)
}

// toAppError maps domain errors to their HTTP representation.
func toAppError(err error) error {
	var fieldErr *assembler.InvalidFieldError
	if stderrors.As(err, &fieldErr) {
		return errors.Validation(fieldErr.Error(), map[string]string{
			"field":  fieldErr.Field,
			"reason": fieldErr.Reason,
		})
	}

	var scoringErr *ScoringError
	if stderrors.As(err, &scoringErr) {
		return errors.Scoring(scoringErr)
	}

	var loadErr *schema.LoadError
	var artifactErr *scoring.ArtifactError
	if stderrors.As(err, &loadErr) || stderrors.As(err, &artifactErr) {
		return errors.Unavailable("model is not loaded")
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return errors.Internal(err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
