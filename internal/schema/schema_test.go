package schema

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

const strokeMetadata = `{
	"numeric_features": ["age", "avg_glucose_level", "bmi"],
	"categorical_features": {
		"gender": ["Male", "Female", "Other"],
		"hypertension": [0, 1],
		"heart_disease": [0, 1],
		"ever_married": ["Yes", "No"],
		"work_type": ["Private", "Self-employed", "Govt_job", "children", "Never_worked"],
		"Residence_type": ["Urban", "Rural"],
		"smoking_status": ["formerly smoked", "never smoked", "smokes", "Unknown"]
	}
}`

func upload(t *testing.T, fs afs.Service, URL, content string) {
	t.Helper()
	if err := fs.Upload(context.Background(), URL, file.DefaultFileOsMode, strings.NewReader(content)); err != nil {
		t.Fatalf("upload %s: %v", URL, err)
	}
}

// --- Parse Tests ---

func TestParseKeepsDeclarationOrder(t *testing.T) {
	s, err := Parse([]byte(strokeMetadata))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	expected := []string{
		"age", "avg_glucose_level", "bmi",
		"gender", "hypertension", "heart_disease", "ever_married",
		"work_type", "Residence_type", "smoking_status",
	}
	fields := s.Fields()
	if len(fields) != len(expected) {
		t.Fatalf("Expected %d fields, got %d", len(expected), len(fields))
	}
	for i := range expected {
		if fields[i] != expected[i] {
			t.Errorf("Field %d: expected %s, got %s", i, expected[i], fields[i])
		}
	}

	if !s.Allowed("hypertension", "1") {
		t.Error("Numeric categorical values should compare by string form")
	}
	if s.Allowed("gender", "male") {
		t.Error("Categorical comparison should be exact")
	}
	if values := s.Values("work_type"); values[2] != "Govt_job" {
		t.Errorf("Unexpected work_type values %v", values)
	}
}

func TestParseDefaultAgeRange(t *testing.T) {
	s, err := Parse([]byte(strokeMetadata))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	r, ok := s.Range("age")
	if !ok || r.Min != 0 || r.Max != 120 {
		t.Errorf("Expected default age range [0,120], got %+v (%v)", r, ok)
	}
	if _, ok := s.Range("bmi"); ok {
		t.Error("bmi should have no range unless declared")
	}
}

func TestParseYAMLWithRanges(t *testing.T) {
	s, err := Parse([]byte(`
numeric_features: [age, bmi]
categorical_features:
  gender: [Male, Female]
numeric_ranges:
  age: [18, 100]
  bmi: [10, 60.5]
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if r, _ := s.Range("age"); r.Min != 18 || r.Max != 100 {
		t.Errorf("Declared range should override default, got %+v", r)
	}
	if r, _ := s.Range("bmi"); r.Max != 60.5 {
		t.Errorf("Unexpected bmi range %+v", r)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"not structured", "{{{"},
		{"missing numeric", `{"categorical_features": {"gender": ["Male"]}}`},
		{"missing categorical", `{"numeric_features": ["age"]}`},
		{"no features", `{"numeric_features": [], "categorical_features": {}}`},
		{"duplicate feature", `{"numeric_features": ["age", "age"], "categorical_features": {}}`},
		{"overlapping feature", `{"numeric_features": ["gender"], "categorical_features": {"gender": ["Male"]}}`},
		{"values not list", `{"numeric_features": [], "categorical_features": {"gender": "Male"}}`},
		{"empty values", `{"numeric_features": [], "categorical_features": {"gender": []}}`},
		{"null value", `{"numeric_features": [], "categorical_features": {"gender": [null]}}`},
		{"range on categorical", `{"numeric_features": ["age"], "categorical_features": {"g": ["a"]}, "numeric_ranges": {"g": [0, 1]}}`},
		{"inverted range", `{"numeric_features": ["age"], "categorical_features": {}, "numeric_ranges": {"age": [5, 1]}}`},
		{"short range", `{"numeric_features": ["age"], "categorical_features": {}, "numeric_ranges": {"age": [5]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content)); err == nil {
				t.Error("Expected parse error")
			}
		})
	}
}

func TestSchemaIsImmutable(t *testing.T) {
	numeric := []string{"age", "bmi"}
	s, err := New(numeric, []CategoricalFeature{{Name: "gender", Values: []string{"Male", "Female"}}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	numeric[0] = "changed"
	s.NumericFeatures()[1] = "changed"
	s.CategoricalFeatures()[0].Values[0] = "changed"

	if s.NumericFeatures()[0] != "age" || s.NumericFeatures()[1] != "bmi" {
		t.Error("Schema numeric features were mutated")
	}
	if !s.Allowed("gender", "Male") || s.Values("gender")[0] != "Male" {
		t.Error("Schema categorical values were mutated")
	}
}

func TestSchemaMarshalJSON(t *testing.T) {
	s, err := New([]string{"age"}, []CategoricalFeature{{Name: "gender", Values: []string{"Male", "Female"}}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(data)
	want := `{"numeric_features":["age"],"categorical_features":[{"name":"gender","values":["Male","Female"]}],"numeric_ranges":{"age":{"min":0,"max":120}}}`
	if got != want {
		t.Errorf("Unexpected JSON\n got: %s\nwant: %s", got, want)
	}
}

// --- Load / Store Tests ---

func TestLoad(t *testing.T) {
	fs := afs.New()
	URL := "mem://localhost/schema/load/artifacts_metadata.json"
	upload(t, fs, URL, strokeMetadata)

	s, err := Load(context.Background(), fs, URL)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Len() != 10 {
		t.Errorf("Expected 10 features, got %d", s.Len())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(context.Background(), afs.New(), "mem://localhost/schema/missing/none.json")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected LoadError, got %v", err)
	}
	if !strings.Contains(loadErr.Error(), "none.json") {
		t.Errorf("Error should name the source: %v", loadErr)
	}
}

func TestLoadMalformed(t *testing.T) {
	fs := afs.New()
	URL := "mem://localhost/schema/malformed/meta.json"
	upload(t, fs, URL, `{"numeric_features": ["age"]}`)

	_, err := Load(context.Background(), fs, URL)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Expected LoadError, got %v", err)
	}
}

func TestStoreLoadsOnce(t *testing.T) {
	fs := afs.New()
	URL := "mem://localhost/schema/store/meta.json"
	upload(t, fs, URL, strokeMetadata)

	store := NewStore(fs, URL)

	var wg sync.WaitGroup
	results := make([]*FeatureSchema, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.Get(context.Background())
			if err != nil {
				t.Errorf("Get failed: %v", err)
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("Concurrent callers should share the same schema instance")
		}
	}

	// replacing the document does not invalidate the cached schema
	upload(t, fs, URL, `{"numeric_features": ["x"], "categorical_features": {}}`)
	s, err := store.Get(context.Background())
	if err != nil || s != results[0] {
		t.Error("Store should keep serving the first loaded schema")
	}
}
