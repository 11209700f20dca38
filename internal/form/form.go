// Package form serves the interactive HTML form in front of the prediction service.
package form

import (
	"bytes"
	"embed"
	stderrors "errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/serbia-gov/strokerisk/internal/assembler"
	"github.com/serbia-gov/strokerisk/internal/predictor"
	"github.com/serbia-gov/strokerisk/internal/schema"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pageTemplate = template.Must(
	template.New("form.html").
		Funcs(template.FuncMap{
			"probability": func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) },
			"weight":      func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) },
		}).
		ParseFS(templatesFS, "templates/form.html"),
)

// DefaultValues pre-fill numeric inputs. Other numeric inputs start at 0.
var DefaultValues = map[string]float64{
	"age":               50,
	"avg_glucose_level": 100,
	"bmi":               25,
}

type option struct {
	Value    string
	Selected bool
}

type field struct {
	Name     string
	Label    string
	Numeric  bool
	Value    string
	HasRange bool
	Min      string
	Max      string
	Options  []option
}

type page struct {
	Fields     []field
	Error      string
	ErrorField string
	Failure    string
	Prediction *predictor.Prediction
}

// Handler renders the form and the prediction result.
type Handler struct {
	svc    *predictor.Service
	logger *zap.Logger
}

// NewHandler creates a new form handler
func NewHandler(svc *predictor.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes registers the form routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Show)
	r.Post("/", h.Submit)
	return r
}

// Show renders an empty form with default values.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Schema(r.Context())
	if err != nil {
		h.render(w, http.StatusServiceUnavailable, page{Failure: "the model is not available"})
		return
	}
	h.render(w, http.StatusOK, page{Fields: buildFields(s, nil)})
}

// Submit validates and scores the posted form.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Schema(r.Context())
	if err != nil {
		h.render(w, http.StatusServiceUnavailable, page{Failure: "the model is not available"})
		return
	}
	if err := r.ParseForm(); err != nil {
		h.render(w, http.StatusBadRequest, page{Fields: buildFields(s, nil), Failure: "the form could not be read"})
		return
	}

	raw := assembler.FromForm(r.PostForm, s)
	p := page{Fields: buildFields(s, raw)}

	prediction, err := h.svc.Submit(r.Context(), raw)
	if err != nil {
		var fieldErr *assembler.InvalidFieldError
		var scoringErr *predictor.ScoringError
		switch {
		case stderrors.As(err, &fieldErr):
			p.ErrorField = fieldErr.Field
			p.Error = fieldErr.Reason
			h.render(w, http.StatusUnprocessableEntity, p)
		case stderrors.As(err, &scoringErr):
			p.Failure = "the model could not score this input (" + scoringErr.Reason + ")"
			h.render(w, http.StatusInternalServerError, p)
		default:
			h.logger.Error("form submission failed", zap.Error(err))
			p.Failure = "the model is not available"
			h.render(w, http.StatusServiceUnavailable, p)
		}
		return
	}

	p.Prediction = prediction
	h.render(w, http.StatusOK, p)
}

func (h *Handler) render(w http.ResponseWriter, status int, p page) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, p); err != nil {
		h.logger.Error("render form", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// buildFields lays out one input per schema field. Submitted values, when
// present, replace the defaults so a rejected form keeps what the user typed.
func buildFields(s *schema.FeatureSchema, submitted map[string]any) []field {
	fields := make([]field, 0, s.Len())

	for _, name := range s.NumericFeatures() {
		f := field{
			Name:    name,
			Label:   label(name),
			Numeric: true,
			Value:   strconv.FormatFloat(DefaultValues[name], 'f', -1, 64),
		}
		if r, ok := s.Range(name); ok {
			f.HasRange = true
			f.Min = strconv.FormatFloat(r.Min, 'f', -1, 64)
			f.Max = strconv.FormatFloat(r.Max, 'f', -1, 64)
		}
		if v, ok := submitted[name]; ok {
			f.Value = fmt.Sprint(v)
		}
		fields = append(fields, f)
	}

	for _, feature := range s.CategoricalFeatures() {
		selected := feature.Values[0]
		if v, ok := submitted[feature.Name]; ok {
			selected = fmt.Sprint(v)
		}
		f := field{Name: feature.Name, Label: label(feature.Name)}
		for _, value := range feature.Values {
			f.Options = append(f.Options, option{Value: value, Selected: value == selected})
		}
		fields = append(fields, f)
	}

	return fields
}

func label(name string) string {
	text := strings.ReplaceAll(name, "_", " ")
	if text == "" {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:]
}
