// Package scoring defines the scoring pipeline contract the prediction adapter
// consumes, and ships one implementation: column preprocessing followed by a
// binary logistic regression, persisted as a bintly artifact.
package scoring

import "context"

// Step names a pipeline exposes for introspection.
const (
	StepPreprocessor = "preprocessor"
	StepClassifier   = "classifier"
)

// Binary class labels. Index 1 of a probability row is the positive class.
const (
	ClassNegative = 0
	ClassPositive = 1
)

// Row is a single input record. Columns are looked up by name, never by position.
type Row interface {
	Float(name string) (float64, bool)
	Category(name string) (string, bool)
}

// Pipeline is a pre-trained binary classifier including its preprocessing.
type Pipeline interface {
	// Predict returns one class label per row.
	Predict(ctx context.Context, batch []Row) ([]int, error)
	// PredictProba returns one [P(negative), P(positive)] row per input row.
	PredictProba(ctx context.Context, batch []Row) ([][]float64, error)
}

// Stepped is implemented by pipelines whose internal stages can be inspected.
type Stepped interface {
	NamedStep(name string) (any, bool)
}

// Preprocessor is a stage that expands raw columns into model features.
// OutputNames lists numeric columns first, then one-hot columns, in the order
// the stage concatenates them.
type Preprocessor interface {
	NumericColumns() []string
	CategoricalOutputNames() []string
}

// LinearClassifier exposes one coefficient per expanded feature.
type LinearClassifier interface {
	Coefficients() []float64
}

// Thresholded is implemented by classifiers with an explicit decision threshold.
type Thresholded interface {
	Threshold() float64
}
