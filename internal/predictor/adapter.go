// Package predictor runs a validated patient record through the scoring
// pipeline and turns the raw model output into a labelled, explained result.
package predictor

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/serbia-gov/strokerisk/internal/scoring"
)

// Risk labels.
const (
	LabelAtRisk    = "at-risk"
	LabelNotAtRisk = "not-at-risk"
)

// DefaultTopK is the number of contributions shown when none is configured.
const DefaultTopK = 8

// Scoring failure reasons, also used as metric labels.
const (
	ReasonCanceled    = "canceled"
	ReasonPipeline    = "pipeline"
	ReasonShape       = "shape"
	ReasonProbability = "probability"
	ReasonLabel       = "label"
	ReasonThreshold   = "threshold"
)

// ScoringError means the pipeline failed or returned output that cannot be
// trusted. It is always surfaced, never replaced by a default result.
type ScoringError struct {
	Reason string
	Err    error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring failed (%s): %v", e.Reason, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}

// ExplanationUnavailableError means the pipeline does not expose what a
// coefficient ranking needs. Callers of Explain only ever see ok=false.
type ExplanationUnavailableError struct {
	Reason string
}

func (e *ExplanationUnavailableError) Error() string {
	return "explanation unavailable: " + e.Reason
}

// PredictionResult is the labelled model output for one record.
type PredictionResult struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
	Threshold   float64 `json:"threshold"`
}

// AtRisk reports whether the record was labelled positive.
func (r PredictionResult) AtRisk() bool {
	return r.Label == LabelAtRisk
}

// FeatureContribution is the model weight of one expanded feature.
type FeatureContribution struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// Predict scores a single record. The positive-class probability is column 1
// of PredictProba; the label comes from the pipeline's own Predict.
func Predict(ctx context.Context, record scoring.Row, pipeline scoring.Pipeline) (PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return PredictionResult{}, &ScoringError{Reason: ReasonCanceled, Err: err}
	}

	batch := []scoring.Row{record}

	proba, err := pipeline.PredictProba(ctx, batch)
	if err != nil {
		return PredictionResult{}, &ScoringError{Reason: ReasonPipeline, Err: err}
	}
	if len(proba) != 1 {
		return PredictionResult{}, &ScoringError{
			Reason: ReasonShape,
			Err:    fmt.Errorf("expected 1 probability row, got %d", len(proba)),
		}
	}
	if len(proba[0]) != 2 {
		return PredictionResult{}, &ScoringError{
			Reason: ReasonShape,
			Err:    fmt.Errorf("expected 2 class probabilities, got %d", len(proba[0])),
		}
	}
	probability := proba[0][scoring.ClassPositive]
	if math.IsNaN(probability) || probability < 0 || probability > 1 {
		return PredictionResult{}, &ScoringError{
			Reason: ReasonProbability,
			Err:    fmt.Errorf("positive-class probability %v is outside [0,1]", probability),
		}
	}

	labels, err := pipeline.Predict(ctx, batch)
	if err != nil {
		return PredictionResult{}, &ScoringError{Reason: ReasonPipeline, Err: err}
	}
	if len(labels) != 1 {
		return PredictionResult{}, &ScoringError{
			Reason: ReasonShape,
			Err:    fmt.Errorf("expected 1 label, got %d", len(labels)),
		}
	}

	result := PredictionResult{Probability: probability, Threshold: scoring.DefaultThreshold}
	switch labels[0] {
	case scoring.ClassPositive:
		result.Label = LabelAtRisk
	case scoring.ClassNegative:
		result.Label = LabelNotAtRisk
	default:
		return PredictionResult{}, &ScoringError{
			Reason: ReasonLabel,
			Err:    fmt.Errorf("unknown class label %d", labels[0]),
		}
	}

	if t, ok := pipeline.(scoring.Thresholded); ok {
		result.Threshold = t.Threshold()
		if (probability >= result.Threshold) != result.AtRisk() {
			return PredictionResult{}, &ScoringError{
				Reason: ReasonThreshold,
				Err: fmt.Errorf("label %s disagrees with probability %v at threshold %v",
					result.Label, probability, result.Threshold),
			}
		}
	}

	return result, nil
}

// Explain ranks the classifier coefficients by magnitude and returns the top
// k (all of them when k <= 0). ok is false when the pipeline cannot be
// introspected; that is never an error for the caller.
func Explain(pipeline scoring.Pipeline, k int) ([]FeatureContribution, bool) {
	contributions, err := explain(pipeline, k)
	if err != nil {
		return nil, false
	}
	return contributions, true
}

func explain(pipeline scoring.Pipeline, k int) ([]FeatureContribution, error) {
	stepped, ok := pipeline.(scoring.Stepped)
	if !ok {
		return nil, &ExplanationUnavailableError{Reason: "pipeline has no named steps"}
	}

	step, ok := stepped.NamedStep(scoring.StepPreprocessor)
	if !ok {
		return nil, &ExplanationUnavailableError{Reason: "no preprocessor step"}
	}
	pre, ok := step.(scoring.Preprocessor)
	if !ok {
		return nil, &ExplanationUnavailableError{Reason: "preprocessor does not expose output names"}
	}

	step, ok = stepped.NamedStep(scoring.StepClassifier)
	if !ok {
		return nil, &ExplanationUnavailableError{Reason: "no classifier step"}
	}
	clf, ok := step.(scoring.LinearClassifier)
	if !ok {
		return nil, &ExplanationUnavailableError{Reason: "classifier is not linear"}
	}

	names := append(pre.NumericColumns(), pre.CategoricalOutputNames()...)
	weights := clf.Coefficients()
	if len(names) != len(weights) {
		return nil, &ExplanationUnavailableError{
			Reason: fmt.Sprintf("%d feature names for %d coefficients", len(names), len(weights)),
		}
	}

	contributions := make([]FeatureContribution, len(names))
	for i, name := range names {
		if math.IsNaN(weights[i]) || math.IsInf(weights[i], 0) {
			return nil, &ExplanationUnavailableError{Reason: "non-finite coefficient for " + name}
		}
		contributions[i] = FeatureContribution{Feature: name, Weight: weights[i]}
	}

	slices.SortStableFunc(contributions, func(a, b FeatureContribution) int {
		return cmp.Compare(math.Abs(b.Weight), math.Abs(a.Weight))
	})
	if k > 0 && len(contributions) > k {
		contributions = contributions[:k]
	}
	return contributions, nil
}
