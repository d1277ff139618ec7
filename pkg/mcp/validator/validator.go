// Package validator implements the runtime field-schema DSL tool/prompt
// authors use to describe their params, and the dispatch-time validation
// pass that checks a call's arguments against it.
//
// Unlike a static struct-tag validator, a Field tree is itself data,
// registered at runtime alongside a Tool or Prompt (see pkg/mcp/registry).
// No teacher or pack file validates a runtime map-described schema this
// way (the teacher passes schemas straight through to clients as opaque
// maps); this package is grounded directly on spec.md's field-DSL
// description rather than adapted from an existing file.
package validator

import (
	"fmt"
	"regexp"
	"sort"
)

// Kind is the semantic type a Field declares.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindNumber
	KindBoolean
	KindArray
	KindObject
	KindRef
)

// Field describes one parameter: its type, defaulting, and constraints.
// A zero-value Field tree for a given key means "no declared schema"; the
// Validate call treats a nil root as passthrough (spec.md §4.3 point 6).
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Default  any

	Enum      []any
	Exclusion []any

	Min, Max                   *float64
	ExclusiveMin, ExclusiveMax *float64

	MinLength, MaxLength *int
	Pattern              string

	MinItems, MaxItems *int
	Items              *Field // element schema for KindArray

	Properties map[string]*Field // nested fields for KindObject
	RefName    string            // schema name for KindRef

	// Custom is an optional named predicate; it receives the already
	// type/constraint-checked value and returns an error message on
	// failure, or "" on success.
	Custom func(value any) string
}

// Error is one path-qualified validation failure.
type Error struct {
	Path    string
	Message string
}

func (e *Error) String() string {
	return e.Message
}

// Result is the outcome of a Validate call.
type Result struct {
	OK     bool
	Params map[string]any
	Errors []*Error
}

// Messages returns the ordered list of error strings, the shape the
// codec's invalid_params envelope carries in data.validation_errors.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// Validate checks params against the schema rooted at fields (a map of
// top-level field name to Field). A nil or empty fields map means the
// schema is a raw property map with no declared DSL, so validation is
// skipped entirely (passthrough).
func Validate(fields map[string]*Field, params map[string]any) *Result {
	if len(fields) == 0 {
		return &Result{OK: true, Params: params}
	}
	if params == nil {
		params = map[string]any{}
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []*Error
	for _, name := range names {
		errs = append(errs, validateField(name, fields[name], out)...)
	}

	if len(errs) > 0 {
		return &Result{OK: false, Errors: errs}
	}
	return &Result{OK: true, Params: out}
}

func validateField(path string, f *Field, params map[string]any) []*Error {
	value, present := params[f.Name]

	if !present {
		if f.Required {
			return []*Error{{Path: path, Message: fmt.Sprintf("Missing required field: %s", path)}}
		}
		if f.Default != nil {
			params[f.Name] = f.Default
		}
		return nil
	}

	return applyConstraints(path, f, value, params)
}

// applyConstraints runs the constraints in a fixed order: type, enum,
// exclusion, min, max, exclusive min/max, min/max length, pattern, array
// min/max items and items, nested, custom. Field has no exact-length
// constraint, so no exact-length check is made.
func applyConstraints(path string, f *Field, value any, params map[string]any) []*Error {
	if msg := checkType(f.Kind, value); msg != "" {
		return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: %s", path, msg)}}
	}

	if len(f.Enum) > 0 && !containsAny(f.Enum, value) {
		return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: value not in allowed set", path)}}
	}
	if len(f.Exclusion) > 0 && containsAny(f.Exclusion, value) {
		return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: value is excluded", path)}}
	}

	if num, ok := asFloat(value); ok {
		if f.Min != nil && num < *f.Min {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: value below minimum %v", path, *f.Min)}}
		}
		if f.Max != nil && num > *f.Max {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: value above maximum %v", path, *f.Max)}}
		}
		if f.ExclusiveMin != nil && num <= *f.ExclusiveMin {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: value must exceed %v", path, *f.ExclusiveMin)}}
		}
		if f.ExclusiveMax != nil && num >= *f.ExclusiveMax {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: value must be below %v", path, *f.ExclusiveMax)}}
		}
	}

	if s, ok := value.(string); ok {
		if f.MinLength != nil && len(s) < *f.MinLength {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: shorter than minimum length %d", path, *f.MinLength)}}
		}
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: longer than maximum length %d", path, *f.MaxLength)}}
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil || !re.MatchString(s) {
				return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: does not match pattern", path)}}
			}
		}
	}

	if arr, ok := value.([]any); ok {
		if f.MinItems != nil && len(arr) < *f.MinItems {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: fewer than minimum %d items", path, *f.MinItems)}}
		}
		if f.MaxItems != nil && len(arr) > *f.MaxItems {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: more than maximum %d items", path, *f.MaxItems)}}
		}
		if f.Items != nil {
			var errs []*Error
			for i, elem := range arr {
				itemPath := fmt.Sprintf("%s[%d]", path, i)
				errs = append(errs, applyConstraints(itemPath, f.Items, elem, params)...)
			}
			if len(errs) > 0 {
				return errs
			}
		}
	}

	if obj, ok := value.(map[string]any); ok && len(f.Properties) > 0 {
		var errs []*Error
		for name, nested := range f.Properties {
			errs = append(errs, validateField(path+"."+name, withName(nested, name), obj)...)
		}
		if len(errs) > 0 {
			return errs
		}
	}

	if f.Custom != nil {
		if msg := f.Custom(value); msg != "" {
			return []*Error{{Path: path, Message: fmt.Sprintf("Field %s: %s", path, msg)}}
		}
	}

	return nil
}

// withName returns a shallow copy of f with Name set, so nested object
// properties (declared keyed by map key, without Name populated) can
// reuse validateField's present/default/required handling.
func withName(f *Field, name string) *Field {
	if f.Name != "" {
		return f
	}
	cp := *f
	cp.Name = name
	return &cp
}

func checkType(kind Kind, value any) string {
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %s", describeValue(value))
		}
	case KindInteger:
		if !isInteger(value) {
			return fmt.Sprintf("expected integer, got %s", describeValue(value))
		}
	case KindNumber:
		if _, ok := asFloat(value); !ok {
			return fmt.Sprintf("expected number, got %s", describeValue(value))
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %s", describeValue(value))
		}
	case KindArray:
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("expected array, got %s", describeValue(value))
		}
	case KindObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("expected object, got %s", describeValue(value))
		}
	case KindRef:
		// Reference resolution is the caller's responsibility (it knows
		// the schema registry); we only check presence here.
	}
	return ""
}

// describeValue renders a rejected value the way spec.md §8's literal
// example does: a quoted JSON-ish string for strings, %v otherwise.
func describeValue(value any) string {
	if s, ok := value.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", value)
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	default:
		return false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func containsAny(set []any, value any) bool {
	for _, candidate := range set {
		if fmt.Sprintf("%v", candidate) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
