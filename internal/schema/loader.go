package schema

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/viant/afs"
	"gopkg.in/yaml.v2"
)

// LoadError means the metadata document is missing or malformed. Without a
// schema no prediction can be served.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load feature schema from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// document mirrors the metadata file. Pointers tell a missing key from an empty one.
type document struct {
	NumericFeatures     *[]string            `yaml:"numeric_features"`
	CategoricalFeatures *yaml.MapSlice       `yaml:"categorical_features"`
	NumericRanges       map[string][]float64 `yaml:"numeric_ranges"`
}

// Load reads the metadata document at URL. JSON documents are accepted as well
// as YAML; categorical features keep the order they appear in.
func Load(ctx context.Context, fs afs.Service, URL string) (*FeatureSchema, error) {
	exists, err := fs.Exists(ctx, URL)
	if err != nil {
		return nil, &LoadError{Source: URL, Err: err}
	}
	if !exists {
		return nil, &LoadError{Source: URL, Err: fmt.Errorf("metadata not found")}
	}
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, &LoadError{Source: URL, Err: err}
	}
	s, err := Parse(data)
	if err != nil {
		return nil, &LoadError{Source: URL, Err: err}
	}
	return s, nil
}

// Parse builds a schema from metadata content.
func Parse(data []byte) (*FeatureSchema, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("metadata is empty")
	}
	// Tab indentation is legal JSON but not YAML; raw tabs cannot occur inside JSON strings.
	if trimmed[0] == '{' {
		trimmed = bytes.ReplaceAll(trimmed, []byte("\t"), []byte("  "))
	}

	var doc document
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if doc.NumericFeatures == nil {
		return nil, fmt.Errorf("missing required key numeric_features")
	}
	if doc.CategoricalFeatures == nil {
		return nil, fmt.Errorf("missing required key categorical_features")
	}

	categorical := make([]CategoricalFeature, 0, len(*doc.CategoricalFeatures))
	for _, item := range *doc.CategoricalFeatures {
		name, err := scalarString(item.Key)
		if err != nil {
			return nil, fmt.Errorf("categorical feature name: %w", err)
		}
		raw, ok := item.Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("categorical feature %q: allowed values must be a list", name)
		}
		values := make([]string, 0, len(raw))
		for _, v := range raw {
			s, err := scalarString(v)
			if err != nil {
				return nil, fmt.Errorf("categorical feature %q: %w", name, err)
			}
			values = append(values, s)
		}
		categorical = append(categorical, CategoricalFeature{Name: name, Values: values})
	}

	var ranges map[string]Range
	if len(doc.NumericRanges) > 0 {
		ranges = make(map[string]Range, len(doc.NumericRanges))
		for name, bounds := range doc.NumericRanges {
			if len(bounds) != 2 {
				return nil, fmt.Errorf("numeric range for %q must be [min, max]", name)
			}
			ranges[name] = Range{Min: bounds[0], Max: bounds[1]}
		}
	}

	return New(*doc.NumericFeatures, categorical, ranges)
}

// scalarString gives the string form categorical values are compared by.
func scalarString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", fmt.Errorf("null is not an allowed value")
	default:
		return "", fmt.Errorf("unsupported value %v of type %T", v, v)
	}
}

// Store loads the schema once and serves the cached copy for the rest of the
// process lifetime. Concurrent first callers share one load.
type Store struct {
	fs  afs.Service
	url string

	once   sync.Once
	schema *FeatureSchema
	err    error
}

// NewStore creates a store for the metadata document at URL.
func NewStore(fs afs.Service, URL string) *Store {
	return &Store{fs: fs, url: URL}
}

// Get returns the schema, loading it on first use. A failed load is cached too.
func (s *Store) Get(ctx context.Context) (*FeatureSchema, error) {
	s.once.Do(func() {
		s.schema, s.err = Load(context.WithoutCancel(ctx), s.fs, s.url)
	})
	return s.schema, s.err
}

// URL is the metadata location the store reads.
func (s *Store) URL() string {
	return s.url
}
