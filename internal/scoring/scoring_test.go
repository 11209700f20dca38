package scoring

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/viant/afs"
	"github.com/viant/bintly"
)

type testRow map[string]any

func (r testRow) Float(name string) (float64, bool) {
	v, ok := r[name].(float64)
	return v, ok
}

func (r testRow) Category(name string) (string, bool) {
	v, ok := r[name].(string)
	return v, ok
}

func testPipeline() *LogisticPipeline {
	return &LogisticPipeline{
		Preprocessor: ColumnTransformer{
			Numeric: NumericBlock{
				Columns: []string{"age", "bmi"},
				Medians: []float64{50, 25},
				Means:   []float64{40, 25},
				Scales:  []float64{20, 5},
			},
			Categorical: CategoricalBlock{
				Columns:    []string{"gender"},
				Categories: [][]string{{"Male", "Female"}},
			},
		},
		Classifier: LogisticRegression{
			Coef:      []float64{1.0, 0.5, 0.3, -0.3},
			Intercept: -0.2,
		},
	}
}

// --- Pipeline Tests ---

func TestOutputNames(t *testing.T) {
	names := testPipeline().Preprocessor.OutputNames()
	expected := []string{"age", "bmi", "gender_Male", "gender_Female"}
	if len(names) != len(expected) {
		t.Fatalf("Expected %d names, got %d", len(expected), len(names))
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Errorf("Name %d: expected %s, got %s", i, expected[i], names[i])
		}
	}
}

func TestTransform(t *testing.T) {
	ct := testPipeline().Preprocessor

	tests := []struct {
		name     string
		row      testRow
		expected []float64
	}{
		{"at the mean", testRow{"age": 40.0, "bmi": 25.0, "gender": "Male"}, []float64{0, 0, 1, 0}},
		{"scaled", testRow{"age": 60.0, "bmi": 30.0, "gender": "Female"}, []float64{1, 1, 0, 1}},
		{"imputed", testRow{"age": math.NaN(), "bmi": 25.0, "gender": "Male"}, []float64{0.5, 0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ct.Transform(tt.row)
			if err != nil {
				t.Fatalf("Transform failed: %v", err)
			}
			for i := range tt.expected {
				if math.Abs(got[i]-tt.expected[i]) > 1e-12 {
					t.Errorf("Feature %d: expected %v, got %v", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestTransformErrors(t *testing.T) {
	ct := testPipeline().Preprocessor

	if _, err := ct.Transform(testRow{"age": 40.0, "bmi": 25.0, "gender": "Other"}); err == nil {
		t.Error("Expected error for unknown category")
	}
	if _, err := ct.Transform(testRow{"age": 40.0, "gender": "Male"}); err == nil {
		t.Error("Expected error for missing numeric column")
	}

	ct.Categorical.HandleUnknown = HandleUnknownIgnore
	got, err := ct.Transform(testRow{"age": 40.0, "bmi": 25.0, "gender": "Other"})
	if err != nil {
		t.Fatalf("Ignored unknown category should not fail: %v", err)
	}
	if got[2] != 0 || got[3] != 0 {
		t.Errorf("Unknown category should encode as all zeros, got %v", got[2:])
	}
}

func TestPredictProba(t *testing.T) {
	p := testPipeline()
	rows := []Row{
		testRow{"age": 40.0, "bmi": 25.0, "gender": "Male"},
		testRow{"age": 80.0, "bmi": 35.0, "gender": "Female"},
	}

	proba, err := p.PredictProba(context.Background(), rows)
	if err != nil {
		t.Fatalf("PredictProba failed: %v", err)
	}
	if len(proba) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(proba))
	}

	want := 1 / (1 + math.Exp(-0.1))
	if math.Abs(proba[0][ClassPositive]-want) > 1e-12 {
		t.Errorf("Expected positive probability %v, got %v", want, proba[0][ClassPositive])
	}
	for i, row := range proba {
		if math.Abs(row[0]+row[1]-1) > 1e-12 {
			t.Errorf("Row %d does not sum to 1: %v", i, row)
		}
	}

	labels, err := p.Predict(context.Background(), rows)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if labels[0] != ClassPositive || labels[1] != ClassPositive {
		t.Errorf("Expected both rows positive at threshold 0.5, got %v", labels)
	}
}

func TestPredictUsesThreshold(t *testing.T) {
	p := testPipeline().WithThreshold(0.6)
	row := []Row{testRow{"age": 40.0, "bmi": 25.0, "gender": "Male"}}

	labels, err := p.Predict(context.Background(), row)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if labels[0] != ClassNegative {
		t.Errorf("Probability 0.525 should be negative at threshold 0.6")
	}
	if testPipeline().Threshold() != DefaultThreshold {
		t.Error("WithThreshold should not modify the original pipeline")
	}
}

func TestPredictCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := testPipeline().Predict(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestNamedStep(t *testing.T) {
	p := testPipeline()

	step, ok := p.NamedStep(StepPreprocessor)
	if !ok {
		t.Fatal("Expected preprocessor step")
	}
	if _, ok := step.(Preprocessor); !ok {
		t.Error("Preprocessor step should implement Preprocessor")
	}

	step, ok = p.NamedStep(StepClassifier)
	if !ok {
		t.Fatal("Expected classifier step")
	}
	clf, ok := step.(LinearClassifier)
	if !ok {
		t.Fatal("Classifier step should implement LinearClassifier")
	}
	if len(clf.Coefficients()) != 4 {
		t.Errorf("Expected 4 coefficients, got %d", len(clf.Coefficients()))
	}

	if _, ok := p.NamedStep("scaler"); ok {
		t.Error("Unknown step should not be found")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *LogisticPipeline)
	}{
		{"coefficient count", func(p *LogisticPipeline) { p.Classifier.Coef = p.Classifier.Coef[:3] }},
		{"median count", func(p *LogisticPipeline) { p.Preprocessor.Numeric.Medians = []float64{1} }},
		{"category lists", func(p *LogisticPipeline) { p.Preprocessor.Categorical.Categories = nil }},
		{"empty categories", func(p *LogisticPipeline) { p.Preprocessor.Categorical.Categories = [][]string{{}} }},
		{"duplicate column", func(p *LogisticPipeline) { p.Preprocessor.Categorical.Columns = []string{"age"} }},
		{"handle unknown", func(p *LogisticPipeline) { p.Preprocessor.Categorical.HandleUnknown = "infrequent" }},
		{"threshold", func(p *LogisticPipeline) { p.Classifier.DecisionThreshold = 1 }},
		{"nan coefficient", func(p *LogisticPipeline) { p.Classifier.Coef[0] = math.NaN() }},
	}

	if err := testPipeline().Validate(); err != nil {
		t.Fatalf("Valid pipeline rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPipeline()
			tt.mutate(p)
			if err := p.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

// --- Artifact Tests ---

func TestArtifactRoundTripPreservesPredictions(t *testing.T) {
	original := testPipeline().WithThreshold(0.4)
	data, err := MarshalArtifact(original)
	if err != nil {
		t.Fatalf("MarshalArtifact failed: %v", err)
	}
	decoded, err := UnmarshalArtifact(data)
	if err != nil {
		t.Fatalf("UnmarshalArtifact failed: %v", err)
	}

	rows := []Row{
		testRow{"age": 33.0, "bmi": 21.4, "gender": "Female"},
		testRow{"age": math.NaN(), "bmi": 40.0, "gender": "Male"},
	}
	want, _ := original.PredictProba(context.Background(), rows)
	got, err := decoded.PredictProba(context.Background(), rows)
	if err != nil {
		t.Fatalf("Decoded pipeline failed: %v", err)
	}
	for i := range want {
		if want[i][1] != got[i][1] {
			t.Errorf("Row %d: expected %v, got %v", i, want[i][1], got[i][1])
		}
	}
	if decoded.Threshold() != 0.4 {
		t.Errorf("Expected threshold 0.4, got %v", decoded.Threshold())
	}
}

func TestUnmarshalArtifactRejectsGarbage(t *testing.T) {
	data, err := MarshalArtifact(testPipeline())
	if err != nil {
		t.Fatalf("MarshalArtifact failed: %v", err)
	}

	for name, input := range map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not a pipeline"),
		"truncated": data[:len(data)/3],
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := UnmarshalArtifact(input); err == nil {
				t.Error("Expected decode error")
			}
		})
	}
}

func TestUnmarshalArtifactBoundsCounts(t *testing.T) {
	header := func(counts ...int) []byte {
		writers := bintly.NewWriters()
		writer := writers.Get()
		defer writers.Put(writer)
		writer.String(artifactMagic)
		writer.Int(artifactVersion)
		for _, n := range counts {
			writer.Int(n)
		}
		return append([]byte(nil), writer.Bytes()...)
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{"huge column count", header(1 << 40)},
		{"column count beyond artifact size", header(maxArtifactElements / 2)},
		{"negative column count", header(-1)},
		{"huge vector length", header(0, 1<<40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalArtifact(tt.input)
			if err == nil {
				t.Fatal("Expected decode error")
			}
		})
	}
}

func TestMarshalArtifactValidates(t *testing.T) {
	p := testPipeline()
	p.Classifier.Coef = nil
	if _, err := MarshalArtifact(p); err == nil {
		t.Error("Expected invalid pipeline to be rejected")
	}
}

// --- Loader Tests ---

func TestLoaderAppliesThresholdOverride(t *testing.T) {
	ctx := context.Background()
	fs := afs.New()
	URL := "mem://localhost/scoring/loader/pipeline.bin"
	if err := SaveArtifact(ctx, fs, URL, testPipeline()); err != nil {
		t.Fatalf("SaveArtifact failed: %v", err)
	}

	loader := NewLoader(fs, URL, 0.7)
	p, err := loader.Pipeline(ctx)
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if p.Threshold() != 0.7 {
		t.Errorf("Expected threshold 0.7, got %v", p.Threshold())
	}

	again, err := loader.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.(*LogisticPipeline) != p {
		t.Error("Loader should return the same pipeline instance")
	}
}

func TestLoaderMissingArtifact(t *testing.T) {
	loader := NewLoader(afs.New(), "mem://localhost/scoring/missing/pipeline.bin", 0)

	_, err := loader.Get(context.Background())
	var artifactErr *ArtifactError
	if !errors.As(err, &artifactErr) {
		t.Fatalf("Expected ArtifactError, got %v", err)
	}
	if _, again := loader.Get(context.Background()); again != err {
		t.Error("Load failure should be cached")
	}
}
