package schema

import (
	"fmt"
	"regexp"
)

// Violation records one mismatch between a value and a Schema, in the
// {path, expected, actual} shape spec.md §4.A mandates for InvalidParams
// responses.
type Violation struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Validate checks value against s and returns the (possibly empty) list
// of violations. Validation is pure and synchronous: no I/O, no
// allocation beyond what's needed to describe failures.
func Validate(s *Schema, value interface{}) []Violation {
	if s == nil {
		return nil
	}
	var out []Violation
	validate(s, value, "$", &out)
	return out
}

func validate(s *Schema, value interface{}, path string, out *[]Violation) {
	if value == nil {
		if s.Type != TypeNull && s.Type != TypeAny {
			*out = append(*out, Violation{Path: path, Expected: string(s.Type), Actual: "null"})
		}
		return
	}

	if !typeMatches(s.Type, value) {
		*out = append(*out, Violation{Path: path, Expected: string(s.Type), Actual: actualKind(value)})
		return
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		*out = append(*out, Violation{Path: path, Expected: "one of enum", Actual: fmt.Sprintf("%v", value)})
	}

	switch s.Type {
	case TypeString:
		validateString(s, value.(string), path, out)
	case TypeNumber, TypeInteger:
		validateNumber(s, toFloat(value), path, out)
	case TypeArray:
		validateArray(s, value.([]interface{}), path, out)
	case TypeObject:
		validateObject(s, value.(map[string]interface{}), path, out)
	}
}

func validateString(s *Schema, v string, path string, out *[]Violation) {
	if s.MinLength != nil && len(v) < *s.MinLength {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("minLength %d", *s.MinLength), Actual: fmt.Sprintf("length %d", len(v))})
	}
	if s.MaxLength != nil && len(v) > *s.MaxLength {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("maxLength %d", *s.MaxLength), Actual: fmt.Sprintf("length %d", len(v))})
	}
	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			*out = append(*out, Violation{Path: path, Expected: "valid pattern", Actual: "invalid schema pattern " + s.Pattern})
			return
		}
		if !re.MatchString(v) {
			*out = append(*out, Violation{Path: path, Expected: "pattern " + s.Pattern, Actual: v})
		}
	}
}

func validateNumber(s *Schema, v float64, path string, out *[]Violation) {
	if s.Type == TypeInteger && v != float64(int64(v)) {
		*out = append(*out, Violation{Path: path, Expected: "integer", Actual: fmt.Sprintf("%v", v)})
	}
	if s.Minimum != nil && v < *s.Minimum {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf(">= %v", *s.Minimum), Actual: fmt.Sprintf("%v", v)})
	}
	if s.Maximum != nil && v > *s.Maximum {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("<= %v", *s.Maximum), Actual: fmt.Sprintf("%v", v)})
	}
}

func validateArray(s *Schema, v []interface{}, path string, out *[]Violation) {
	if s.Items == nil {
		return
	}
	for i, elem := range v {
		validate(s.Items, elem, fmt.Sprintf("%s[%d]", path, i), out)
	}
}

func validateObject(s *Schema, v map[string]interface{}, path string, out *[]Violation) {
	for _, req := range s.Required {
		if _, ok := v[req]; !ok {
			*out = append(*out, Violation{Path: joinPath(path, req), Expected: propExpected(s, req), Actual: "missing"})
		}
	}
	for key, val := range v {
		propSchema, known := s.Properties[key]
		if !known {
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				*out = append(*out, Violation{Path: joinPath(path, key), Expected: "no additional properties", Actual: "unexpected property"})
			}
			continue
		}
		validate(propSchema, val, joinPath(path, key), out)
	}
}

func propExpected(s *Schema, name string) string {
	if p, ok := s.Properties[name]; ok && p.Type != TypeAny {
		return string(p.Type)
	}
	return "present"
}

func joinPath(path, key string) string {
	if path == "$" {
		return key
	}
	return path + "." + key
}

func typeMatches(t Type, value interface{}) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNumber:
		return isNumber(value)
	case TypeInteger:
		return isNumber(value)
	case TypeArray:
		_, ok := value.([]interface{})
		return ok
	case TypeObject:
		_, ok := value.(map[string]interface{})
		return ok
	case TypeNull:
		return value == nil
	default:
		return true
	}
}

func isNumber(value interface{}) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func actualKind(value interface{}) string {
	if value == nil {
		return "null"
	}
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}

// ApplyDefaults returns a shallow copy of args with any missing object
// properties filled in from the schema's declared defaults. Mirrors the
// teacher's genai/tool.ValidateArgs default-filling behaviour.
func ApplyDefaults(s *Schema, args map[string]interface{}) map[string]interface{} {
	fixed := make(map[string]interface{}, len(args))
	for k, v := range args {
		fixed[k] = v
	}
	if s == nil || s.Properties == nil {
		return fixed
	}
	for name, propSchema := range s.Properties {
		if _, present := fixed[name]; present {
			continue
		}
		if propSchema.Default != nil {
			fixed[name] = propSchema.Default
		}
	}
	return fixed
}
