// Package artifact validates the artifact maps that stages exchange.
package artifact

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Supported property types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

var knownTypes = map[string]bool{
	TypeString:  true,
	TypeNumber:  true,
	TypeInteger: true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeObject:  true,
}

// Schema declares the keys an artifact map must carry and their types.
type Schema struct {
	Required   []string            `yaml:"required,omitempty" json:"required,omitempty"`
	Properties map[string]Property `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Property is the declared type of one artifact. Items optionally
// constrains the element type of an array.
type Property struct {
	Type  string    `yaml:"type" json:"type"`
	Items *Property `yaml:"items,omitempty" json:"items,omitempty"`
}

// SchemaError reports a malformed schema.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid schema at %s: %s", e.Path, e.Message)
}

// Check reports the first structural problem with the schema.
func (s *Schema) Check() error {
	if s == nil {
		return nil
	}
	for i, key := range s.Required {
		if strings.TrimSpace(key) == "" {
			return &SchemaError{Path: fmt.Sprintf("required[%d]", i), Message: "key is empty"}
		}
	}
	for _, key := range sortedKeys(s.Properties) {
		if err := s.Properties[key].check("properties." + key); err != nil {
			return err
		}
	}
	return nil
}

func (p Property) check(path string) error {
	if !knownTypes[p.Type] {
		return &SchemaError{Path: path + ".type", Message: fmt.Sprintf("unknown type %q", p.Type)}
	}
	if p.Items != nil {
		if p.Type != TypeArray {
			return &SchemaError{Path: path + ".items", Message: "items is only valid for array"}
		}
		return p.Items.check(path + ".items")
	}
	return nil
}

// Validate checks artifacts against schema and returns one message per
// violation. Invalid data never produces an error; only a malformed schema
// does. A nil schema accepts everything.
func Validate(artifacts map[string]any, schema *Schema) ([]string, error) {
	if schema == nil {
		return nil, nil
	}
	if err := schema.Check(); err != nil {
		return nil, err
	}
	errs := ValidateRequired(artifacts, schema.Required)
	errs = append(errs, validateTypes(artifacts, schema.Properties)...)
	return errs, nil
}

// ValidateRequired reports every required key that is missing or nil.
func ValidateRequired(artifacts map[string]any, required []string) []string {
	var errs []string
	for _, key := range required {
		v, ok := artifacts[key]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("missing required artifact %q", key))
		case v == nil:
			errs = append(errs, fmt.Sprintf("required artifact %q is null", key))
		}
	}
	return errs
}

// ValidateTypes reports every present artifact whose value does not match
// its declared type. Absent keys and nil values are left to ValidateRequired.
func ValidateTypes(artifacts map[string]any, properties map[string]Property) ([]string, error) {
	for _, key := range sortedKeys(properties) {
		if err := properties[key].check("properties." + key); err != nil {
			return nil, err
		}
	}
	return validateTypes(artifacts, properties), nil
}

func validateTypes(artifacts map[string]any, properties map[string]Property) []string {
	var errs []string
	for _, key := range sortedKeys(properties) {
		v, ok := artifacts[key]
		if !ok || v == nil {
			continue
		}
		errs = append(errs, checkValue(key, v, properties[key])...)
	}
	return errs
}

func checkValue(path string, v any, p Property) []string {
	if !matches(v, p.Type) {
		return []string{fmt.Sprintf("artifact %q: expected %s, got %s", path, p.Type, describe(v))}
	}
	if p.Type != TypeArray || p.Items == nil {
		return nil
	}
	items, _ := asSlice(v)
	var errs []string
	for i, item := range items {
		errs = append(errs, checkValue(fmt.Sprintf("%s[%d]", path, i), item, *p.Items)...)
	}
	return errs
}

func matches(v any, typ string) bool {
	switch typ {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		return isInteger(v) || isFloat(v)
	case TypeInteger:
		if isInteger(v) {
			return true
		}
		f, ok := asFloat(v)
		return ok && !math.IsInf(f, 0) && f == math.Trunc(f)
	case TypeArray:
		_, ok := asSlice(v)
		return ok
	case TypeObject:
		return isObject(v)
	}
	return false
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isFloat(v any) bool {
	_, ok := asFloat(v)
	return ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// asSlice accepts any slice or array kind, so typed slices returned by Go
// executors validate the same as decoded []any.
func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if k := rv.Kind(); k != reflect.Slice && k != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// isObject reports maps keyed by strings, plus map[any]any as produced by
// some YAML decoders.
func isObject(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return false
	}
	k := rv.Type().Key().Kind()
	return k == reflect.String || k == reflect.Interface
}

func describe(v any) string {
	switch {
	case v == nil:
		return "null"
	case isInteger(v):
		return TypeInteger
	case isFloat(v):
		return TypeNumber
	}
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	}
	if _, ok := asSlice(v); ok {
		return TypeArray
	}
	if matches(v, TypeObject) {
		return TypeObject
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]Property) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
