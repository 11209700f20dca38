package scoring

import (
	"context"
	"fmt"
	"math"
)

// DefaultThreshold is used when an artifact does not carry a decision threshold.
const DefaultThreshold = 0.5

// Unknown category policies of the one-hot encoder.
const (
	HandleUnknownError  = "error"
	HandleUnknownIgnore = "ignore"
)

// NumericBlock imputes missing values with the column median, then standardizes.
// Medians, Means and Scales are either empty or one entry per column.
type NumericBlock struct {
	Columns []string  `json:"columns"`
	Medians []float64 `json:"medians,omitempty"`
	Means   []float64 `json:"means,omitempty"`
	Scales  []float64 `json:"scales,omitempty"`
}

// CategoricalBlock one-hot encodes each column over its fitted categories.
type CategoricalBlock struct {
	Columns       []string   `json:"columns"`
	Categories    [][]string `json:"categories"`
	HandleUnknown string     `json:"handle_unknown,omitempty"`
}

// ColumnTransformer is the preprocessor stage: numeric block, then categorical block.
type ColumnTransformer struct {
	Numeric     NumericBlock     `json:"num"`
	Categorical CategoricalBlock `json:"cat"`
}

// NumericColumns returns the raw numeric column names.
func (c *ColumnTransformer) NumericColumns() []string {
	return append([]string(nil), c.Numeric.Columns...)
}

// CategoricalOutputNames returns the generated one-hot names, "<column>_<category>".
func (c *ColumnTransformer) CategoricalOutputNames() []string {
	var names []string
	for i, column := range c.Categorical.Columns {
		for _, category := range c.Categorical.Categories[i] {
			names = append(names, column+"_"+category)
		}
	}
	return names
}

// OutputNames returns every expanded feature name in transform order.
func (c *ColumnTransformer) OutputNames() []string {
	return append(c.NumericColumns(), c.CategoricalOutputNames()...)
}

// Width is the number of expanded features.
func (c *ColumnTransformer) Width() int {
	width := len(c.Numeric.Columns)
	for _, categories := range c.Categorical.Categories {
		width += len(categories)
	}
	return width
}

// Transform expands a single row into the feature vector the classifier expects.
func (c *ColumnTransformer) Transform(row Row) ([]float64, error) {
	out := make([]float64, 0, c.Width())

	for i, column := range c.Numeric.Columns {
		v, ok := row.Float(column)
		if !ok {
			return nil, fmt.Errorf("missing numeric column %q", column)
		}
		if math.IsNaN(v) {
			if len(c.Numeric.Medians) == 0 {
				return nil, fmt.Errorf("numeric column %q is NaN and no imputation is fitted", column)
			}
			v = c.Numeric.Medians[i]
		}
		if len(c.Numeric.Means) > 0 {
			v -= c.Numeric.Means[i]
		}
		if len(c.Numeric.Scales) > 0 && c.Numeric.Scales[i] != 0 {
			v /= c.Numeric.Scales[i]
		}
		out = append(out, v)
	}

	for i, column := range c.Categorical.Columns {
		v, ok := row.Category(column)
		if !ok {
			return nil, fmt.Errorf("missing categorical column %q", column)
		}
		categories := c.Categorical.Categories[i]
		hit := -1
		for j, category := range categories {
			if category == v {
				hit = j
				break
			}
		}
		if hit < 0 && c.Categorical.HandleUnknown != HandleUnknownIgnore {
			return nil, fmt.Errorf("found unknown category %q in column %q during transform", v, column)
		}
		for j := range categories {
			if j == hit {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
	}

	return out, nil
}

func (c *ColumnTransformer) validate() error {
	n := len(c.Numeric.Columns)
	if len(c.Numeric.Medians) != 0 && len(c.Numeric.Medians) != n {
		return fmt.Errorf("numeric block has %d columns but %d medians", n, len(c.Numeric.Medians))
	}
	if len(c.Numeric.Means) != 0 && len(c.Numeric.Means) != n {
		return fmt.Errorf("numeric block has %d columns but %d means", n, len(c.Numeric.Means))
	}
	if len(c.Numeric.Scales) != 0 && len(c.Numeric.Scales) != n {
		return fmt.Errorf("numeric block has %d columns but %d scales", n, len(c.Numeric.Scales))
	}
	if len(c.Categorical.Categories) != len(c.Categorical.Columns) {
		return fmt.Errorf("categorical block has %d columns but %d category lists",
			len(c.Categorical.Columns), len(c.Categorical.Categories))
	}
	for i, categories := range c.Categorical.Categories {
		if len(categories) == 0 {
			return fmt.Errorf("categorical column %q has no fitted categories", c.Categorical.Columns[i])
		}
	}
	switch c.Categorical.HandleUnknown {
	case "", HandleUnknownError, HandleUnknownIgnore:
	default:
		return fmt.Errorf("unsupported handle_unknown %q", c.Categorical.HandleUnknown)
	}
	seen := make(map[string]struct{}, n+len(c.Categorical.Columns))
	for _, column := range append(c.NumericColumns(), c.Categorical.Columns...) {
		if _, dup := seen[column]; dup {
			return fmt.Errorf("column %q appears twice in the preprocessor", column)
		}
		seen[column] = struct{}{}
	}
	if c.Width() == 0 {
		return fmt.Errorf("preprocessor produces no features")
	}
	return nil
}

// LogisticRegression is a binary linear classifier over the expanded features.
type LogisticRegression struct {
	Coef              []float64 `json:"coef"`
	Intercept         float64   `json:"intercept"`
	DecisionThreshold float64   `json:"threshold,omitempty"`
}

// Coefficients returns a copy of the coefficient vector.
func (m *LogisticRegression) Coefficients() []float64 {
	return append([]float64(nil), m.Coef...)
}

// Threshold is the probability at or above which a row is labelled positive.
func (m *LogisticRegression) Threshold() float64 {
	if m.DecisionThreshold == 0 {
		return DefaultThreshold
	}
	return m.DecisionThreshold
}

// Probability returns P(positive) for one expanded feature vector.
func (m *LogisticRegression) Probability(x []float64) float64 {
	z := m.Intercept
	for j, v := range x {
		z += m.Coef[j] * v
	}
	return sigmoid(z)
}

// sigmoid avoids overflow of exp for large |z|.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// LogisticPipeline chains a ColumnTransformer and a LogisticRegression.
type LogisticPipeline struct {
	Preprocessor ColumnTransformer  `json:"preprocessor"`
	Classifier   LogisticRegression `json:"classifier"`
}

// Validate checks that the stages fit together.
func (p *LogisticPipeline) Validate() error {
	if err := p.Preprocessor.validate(); err != nil {
		return err
	}
	if width := p.Preprocessor.Width(); len(p.Classifier.Coef) != width {
		return fmt.Errorf("classifier has %d coefficients but preprocessor produces %d features",
			len(p.Classifier.Coef), width)
	}
	for _, c := range p.Classifier.Coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("classifier coefficients must be finite")
		}
	}
	if t := p.Classifier.DecisionThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("decision threshold must be in [0,1), got %v", t)
	}
	return nil
}

// WithThreshold returns a copy of the pipeline using threshold t.
func (p *LogisticPipeline) WithThreshold(t float64) *LogisticPipeline {
	clone := *p
	clone.Classifier.DecisionThreshold = t
	return &clone
}

// NamedStep exposes the "preprocessor" and "classifier" stages.
func (p *LogisticPipeline) NamedStep(name string) (any, bool) {
	switch name {
	case StepPreprocessor:
		return &p.Preprocessor, true
	case StepClassifier:
		return &p.Classifier, true
	default:
		return nil, false
	}
}

// Threshold is the classifier decision threshold.
func (p *LogisticPipeline) Threshold() float64 {
	return p.Classifier.Threshold()
}

// PredictProba scores each row; the positive class is column 1.
func (p *LogisticPipeline) PredictProba(ctx context.Context, batch []Row) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(batch))
	for i, row := range batch {
		x, err := p.Preprocessor.Transform(row)
		if err != nil {
			return nil, err
		}
		positive := p.Classifier.Probability(x)
		out[i] = []float64{1 - positive, positive}
	}
	return out, nil
}

// Predict labels each row positive when its probability reaches the threshold.
func (p *LogisticPipeline) Predict(ctx context.Context, batch []Row) ([]int, error) {
	proba, err := p.PredictProba(ctx, batch)
	if err != nil {
		return nil, err
	}
	threshold := p.Threshold()
	labels := make([]int, len(proba))
	for i, row := range proba {
		if row[ClassPositive] >= threshold {
			labels[i] = ClassPositive
		} else {
			labels[i] = ClassNegative
		}
	}
	return labels, nil
}
