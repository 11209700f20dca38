// Package schema describes the input fields the scoring pipeline was trained on
// and loads that description from the model metadata document.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
)

// DefaultRanges apply to numeric features the metadata declares no range for.
var DefaultRanges = map[string]Range{
	"age": {Min: 0, Max: 120},
}

// Range is the inclusive domain of a numeric feature.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// CategoricalFeature is a feature restricted to a finite set of values.
// Values keep the order they were declared in.
type CategoricalFeature struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// FeatureSchema is the column contract of a scoring pipeline: numeric features
// first, then categorical features, each block in declaration order.
// A FeatureSchema is never modified after New returns it.
type FeatureSchema struct {
	numeric     []string
	categorical []CategoricalFeature
	ranges      map[string]Range

	allowed map[string]map[string]struct{}
	index   map[string]int
}

// New validates the feature declarations and builds a schema.
// Numeric features named in DefaultRanges get that range unless ranges overrides it.
func New(numeric []string, categorical []CategoricalFeature, ranges map[string]Range) (*FeatureSchema, error) {
	if len(numeric)+len(categorical) == 0 {
		return nil, fmt.Errorf("schema declares no features")
	}

	s := &FeatureSchema{
		numeric:     append([]string{}, numeric...),
		categorical: make([]CategoricalFeature, 0, len(categorical)),
		ranges:      make(map[string]Range),
		allowed:     make(map[string]map[string]struct{}, len(categorical)),
		index:       make(map[string]int, len(numeric)+len(categorical)),
	}

	for _, name := range numeric {
		if err := s.addName(name); err != nil {
			return nil, err
		}
	}

	for _, feature := range categorical {
		if err := s.addName(feature.Name); err != nil {
			return nil, err
		}
		if len(feature.Values) == 0 {
			return nil, fmt.Errorf("categorical feature %q declares no allowed values", feature.Name)
		}
		set := make(map[string]struct{}, len(feature.Values))
		for _, v := range feature.Values {
			if _, dup := set[v]; dup {
				return nil, fmt.Errorf("categorical feature %q declares value %q twice", feature.Name, v)
			}
			set[v] = struct{}{}
		}
		s.allowed[feature.Name] = set
		s.categorical = append(s.categorical, CategoricalFeature{
			Name:   feature.Name,
			Values: append([]string(nil), feature.Values...),
		})
	}

	for name, r := range DefaultRanges {
		if s.IsNumeric(name) {
			s.ranges[name] = r
		}
	}
	for name, r := range ranges {
		if !s.IsNumeric(name) {
			return nil, fmt.Errorf("range declared for %q which is not a numeric feature", name)
		}
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max {
			return nil, fmt.Errorf("invalid range [%v, %v] for %q", r.Min, r.Max, name)
		}
		s.ranges[name] = r
	}

	return s, nil
}

func (s *FeatureSchema) addName(name string) error {
	if name == "" {
		return fmt.Errorf("feature name must not be empty")
	}
	if _, dup := s.index[name]; dup {
		return fmt.Errorf("feature %q declared twice", name)
	}
	s.index[name] = len(s.index)
	return nil
}

// NumericFeatures returns the numeric feature names in declaration order.
func (s *FeatureSchema) NumericFeatures() []string {
	return append([]string(nil), s.numeric...)
}

// CategoricalFeatures returns the categorical features in declaration order.
func (s *FeatureSchema) CategoricalFeatures() []CategoricalFeature {
	out := make([]CategoricalFeature, len(s.categorical))
	for i, f := range s.categorical {
		out[i] = CategoricalFeature{Name: f.Name, Values: append([]string(nil), f.Values...)}
	}
	return out
}

// Fields returns every feature name, numeric block first.
func (s *FeatureSchema) Fields() []string {
	out := make([]string, 0, len(s.index))
	out = append(out, s.numeric...)
	for _, f := range s.categorical {
		out = append(out, f.Name)
	}
	return out
}

// Len is the number of features.
func (s *FeatureSchema) Len() int {
	return len(s.index)
}

// Has reports whether name is a feature of the schema.
func (s *FeatureSchema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// IsNumeric reports whether name is a numeric feature.
func (s *FeatureSchema) IsNumeric(name string) bool {
	idx, ok := s.index[name]
	return ok && idx < len(s.numeric)
}

// IsCategorical reports whether name is a categorical feature.
func (s *FeatureSchema) IsCategorical(name string) bool {
	_, ok := s.allowed[name]
	return ok
}

// Allowed reports whether value is a declared value of categorical feature name.
func (s *FeatureSchema) Allowed(name, value string) bool {
	set, ok := s.allowed[name]
	if !ok {
		return false
	}
	_, ok = set[value]
	return ok
}

// Values returns the allowed values of a categorical feature.
func (s *FeatureSchema) Values(name string) []string {
	for _, f := range s.categorical {
		if f.Name == name {
			return append([]string(nil), f.Values...)
		}
	}
	return nil
}

// Range returns the domain of a numeric feature, if one is declared.
func (s *FeatureSchema) Range(name string) (Range, bool) {
	r, ok := s.ranges[name]
	return r, ok
}

// MarshalJSON renders the schema in metadata order for API clients.
func (s *FeatureSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		NumericFeatures     []string             `json:"numeric_features"`
		CategoricalFeatures []CategoricalFeature `json:"categorical_features"`
		NumericRanges       map[string]Range     `json:"numeric_ranges,omitempty"`
	}{
		NumericFeatures:     s.numeric,
		CategoricalFeatures: s.categorical,
		NumericRanges:       s.ranges,
	})
}
