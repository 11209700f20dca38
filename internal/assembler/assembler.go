// Package assembler turns raw user-supplied field values into a validated
// patient record that matches the feature schema exactly.
package assembler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/serbia-gov/strokerisk/internal/schema"
)

// InvalidFieldError identifies the first field that failed validation.
type InvalidFieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidFieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid field %s (%v): %s", e.Field, e.Value, e.Reason)
}

// Value is a single record entry: a number for numeric features, a string otherwise.
type Value struct {
	numeric bool
	number  float64
	text    string
}

// IsNumeric reports whether the value came from a numeric feature.
func (v Value) IsNumeric() bool { return v.numeric }

// Number returns the numeric value; zero for categorical entries.
func (v Value) Number() float64 { return v.number }

// String returns the categorical value, or the shortest decimal form of a number.
func (v Value) String() string {
	if v.numeric {
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	}
	return v.text
}

// PatientRecord holds exactly one value per schema field, numeric block first.
// It cannot be modified once Assemble returns it.
type PatientRecord struct {
	names  []string
	values map[string]Value
}

// Names returns field names in schema order.
func (r *PatientRecord) Names() []string {
	return append([]string(nil), r.names...)
}

// Len is the number of fields.
func (r *PatientRecord) Len() int {
	return len(r.names)
}

// Get returns the value of field name.
func (r *PatientRecord) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Float returns a numeric field.
func (r *PatientRecord) Float(name string) (float64, bool) {
	v, ok := r.values[name]
	if !ok || !v.numeric {
		return 0, false
	}
	return v.number, true
}

// Category returns a categorical field.
func (r *PatientRecord) Category(name string) (string, bool) {
	v, ok := r.values[name]
	if !ok || v.numeric {
		return "", false
	}
	return v.text, true
}

// MarshalJSON renders the record as an object in schema order.
func (r *PatientRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		v := r.values[name]
		var value []byte
		if v.numeric {
			value, err = json.Marshal(v.number)
		} else {
			value, err = json.Marshal(v.text)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Assemble validates raw against s and builds a record. Keys of raw that are
// not schema fields are ignored. The first failing field is reported.
func Assemble(raw map[string]any, s *schema.FeatureSchema) (*PatientRecord, error) {
	record := &PatientRecord{
		names:  s.Fields(),
		values: make(map[string]Value, s.Len()),
	}

	for _, name := range s.NumericFeatures() {
		v, ok := raw[name]
		if !ok || v == nil {
			return nil, &InvalidFieldError{Field: name, Reason: "value is required"}
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, &InvalidFieldError{Field: name, Value: v, Reason: err.Error()}
		}
		if r, ok := s.Range(name); ok && !r.Contains(f) {
			return nil, &InvalidFieldError{
				Field:  name,
				Value:  v,
				Reason: fmt.Sprintf("must be between %v and %v", r.Min, r.Max),
			}
		}
		record.values[name] = Value{numeric: true, number: f}
	}

	for _, feature := range s.CategoricalFeatures() {
		v, ok := raw[feature.Name]
		if !ok || v == nil {
			return nil, &InvalidFieldError{Field: feature.Name, Reason: "value is required"}
		}
		text, err := toText(v)
		if err != nil {
			return nil, &InvalidFieldError{Field: feature.Name, Value: v, Reason: err.Error()}
		}
		if !s.Allowed(feature.Name, text) {
			return nil, &InvalidFieldError{
				Field:  feature.Name,
				Value:  v,
				Reason: "must be one of " + strings.Join(feature.Values, ", "),
			}
		}
		record.values[feature.Name] = Value{text: text}
	}

	return record, nil
}

// FromForm adapts an HTML form submission to the raw map Assemble accepts.
// Only schema fields are copied; absent inputs stay absent.
func FromForm(form url.Values, s *schema.FeatureSchema) map[string]any {
	raw := make(map[string]any, s.Len())
	for _, name := range s.Fields() {
		if values, ok := form[name]; ok && len(values) > 0 {
			raw[name] = values[0]
		}
	}
	return raw
}

func toFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number")
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number")
		}
		f = parsed
	default:
		return 0, fmt.Errorf("not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a finite number")
	}
	return f, nil
}

// toText gives the string form categorical values are compared by.
func toText(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		// 1.0 and 1 name the same category, as they do in the metadata.
		f, err := t.Float64()
		if err != nil {
			return t.String(), nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
