// Package schema implements a deliberately small subset of JSON Schema
// Draft-07: type, properties, required, enum, minimum/maximum,
// minLength/maxLength, pattern, items, additionalProperties. No
// general-purpose JSON Schema library appears anywhere in the retrieval
// pack, and admission must fail-closed on any keyword outside this list —
// easiest to guarantee with a small bespoke walker than by wrapping a
// general validator that would silently accept keywords we don't support.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// allowedKeywords is the fail-closed admission list; Compile rejects any
// schema object carrying a key outside this set (plus "$schema"/"title"/
// "description", which are metadata that never affect validation).
var allowedKeywords = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"enum":                 true,
	"minimum":              true,
	"maximum":              true,
	"minLength":            true,
	"maxLength":            true,
	"pattern":              true,
	"items":                true,
	"additionalProperties": true,
	"$schema":              true,
	"title":                true,
	"description":          true,
}

// Schema is a compiled node of the supported subset.
type Schema struct {
	raw                  map[string]interface{}
	Type                 string
	Properties           map[string]*Schema
	Required             []string
	Enum                 []interface{}
	Minimum              *float64
	Maximum              *float64
	MinLength            *int
	MaxLength            *int
	Pattern              *regexp.Regexp
	Items                *Schema
	AdditionalProperties *bool // nil = unrestricted (true)
}

// Compile parses and validates a raw JSON Schema document, rejecting any
// keyword outside the supported subset (fail-closed, per admission's
// "unknown keywords cause ManifestInvalid" requirement).
func Compile(doc []byte) (*Schema, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON: %w", err)
	}
	return compileNode(m, "")
}

func compileNode(m map[string]interface{}, path string) (*Schema, error) {
	for k := range m {
		if !allowedKeywords[k] {
			return nil, fmt.Errorf("schema: unsupported keyword %q at %s", k, pathOrRoot(path))
		}
	}

	s := &Schema{raw: m}

	if t, ok := m["type"]; ok {
		ts, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("schema: \"type\" must be a string at %s", pathOrRoot(path))
		}
		switch ts {
		case "object", "array", "string", "number", "integer", "boolean", "null":
			s.Type = ts
		default:
			return nil, fmt.Errorf("schema: unsupported type %q at %s", ts, pathOrRoot(path))
		}
	}

	if props, ok := m["properties"]; ok {
		propsMap, ok := props.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("schema: \"properties\" must be an object at %s", pathOrRoot(path))
		}
		s.Properties = map[string]*Schema{}
		for name, raw := range propsMap {
			sub, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("schema: property %q must be an object at %s", name, pathOrRoot(path))
			}
			child, err := compileNode(sub, path+"/"+name)
			if err != nil {
				return nil, err
			}
			s.Properties[name] = child
		}
	}

	if req, ok := m["required"]; ok {
		list, ok := req.([]interface{})
		if !ok {
			return nil, fmt.Errorf("schema: \"required\" must be an array at %s", pathOrRoot(path))
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("schema: \"required\" entries must be strings at %s", pathOrRoot(path))
			}
			s.Required = append(s.Required, name)
		}
	}

	if enum, ok := m["enum"]; ok {
		list, ok := enum.([]interface{})
		if !ok {
			return nil, fmt.Errorf("schema: \"enum\" must be an array at %s", pathOrRoot(path))
		}
		s.Enum = list
	}

	if v, ok := m["minimum"]; ok {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: \"minimum\" must be numeric at %s", pathOrRoot(path))
		}
		s.Minimum = &f
	}
	if v, ok := m["maximum"]; ok {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: \"maximum\" must be numeric at %s", pathOrRoot(path))
		}
		s.Maximum = &f
	}
	if v, ok := m["minLength"]; ok {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: \"minLength\" must be numeric at %s", pathOrRoot(path))
		}
		n := int(f)
		s.MinLength = &n
	}
	if v, ok := m["maxLength"]; ok {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: \"maxLength\" must be numeric at %s", pathOrRoot(path))
		}
		n := int(f)
		s.MaxLength = &n
	}
	if v, ok := m["pattern"]; ok {
		ps, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("schema: \"pattern\" must be a string at %s", pathOrRoot(path))
		}
		re, err := regexp.Compile(ps)
		if err != nil {
			return nil, fmt.Errorf("schema: invalid pattern at %s: %w", pathOrRoot(path), err)
		}
		s.Pattern = re
	}
	if v, ok := m["items"]; ok {
		sub, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("schema: \"items\" must be an object at %s", pathOrRoot(path))
		}
		child, err := compileNode(sub, path+"/items")
		if err != nil {
			return nil, err
		}
		s.Items = child
	}
	if v, ok := m["additionalProperties"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("schema: \"additionalProperties\" must be a boolean at %s", pathOrRoot(path))
		}
		s.AdditionalProperties = &b
	}

	return s, nil
}

func pathOrRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// ValidationError reports the first schema violation encountered, with a
// JSON-pointer-style Path, per the admission contract.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Message) }

// Validate checks value (already unmarshaled from JSON, so numbers are
// float64 and objects are map[string]interface{}) against s. Unknown object
// properties are rejected when additionalProperties is false, or when it is
// unset and the schema declares properties; an object schema with neither
// accepts any properties.
func (s *Schema) Validate(value interface{}) *ValidationError {
	return s.validateAt(value, "")
}

func (s *Schema) validateAt(value interface{}, path string) *ValidationError {
	if s.Type != "" {
		if err := checkType(s.Type, value, path); err != nil {
			return err
		}
	}

	if len(s.Enum) > 0 {
		if !enumContains(s.Enum, value) {
			return &ValidationError{Path: pathOrRoot(path), Message: "value is not one of the allowed enum values"}
		}
	}

	switch v := value.(type) {
	case string:
		if s.MinLength != nil && len(v) < *s.MinLength {
			return &ValidationError{Path: pathOrRoot(path), Message: fmt.Sprintf("string shorter than minLength %d", *s.MinLength)}
		}
		if s.MaxLength != nil && len(v) > *s.MaxLength {
			return &ValidationError{Path: pathOrRoot(path), Message: fmt.Sprintf("string longer than maxLength %d", *s.MaxLength)}
		}
		if s.Pattern != nil && !s.Pattern.MatchString(v) {
			return &ValidationError{Path: pathOrRoot(path), Message: "string does not match pattern"}
		}
	case float64:
		if s.Minimum != nil && v < *s.Minimum {
			return &ValidationError{Path: pathOrRoot(path), Message: fmt.Sprintf("value below minimum %v", *s.Minimum)}
		}
		if s.Maximum != nil && v > *s.Maximum {
			return &ValidationError{Path: pathOrRoot(path), Message: fmt.Sprintf("value above maximum %v", *s.Maximum)}
		}
	case []interface{}:
		if s.Items != nil {
			for i, item := range v {
				if err := s.Items.validateAt(item, fmt.Sprintf("%s/%d", path, i)); err != nil {
					return err
				}
			}
		}
	case map[string]interface{}:
		for _, name := range s.Required {
			if _, ok := v[name]; !ok {
				return &ValidationError{Path: path + "/" + name, Message: "required property missing"}
			}
		}
		for name, val := range v {
			if sub, ok := s.Properties[name]; ok {
				if err := sub.validateAt(val, path+"/"+name); err != nil {
					return err
				}
				continue
			}
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				return &ValidationError{Path: path + "/" + name, Message: "additional property not allowed"}
			}
			if s.AdditionalProperties == nil && s.Properties != nil {
				// strict mode default: unknown fields are rejected once a
				// properties set is declared at all, per ValidateOutput's
				// "strict mode rejects unknown fields" contract.
				return &ValidationError{Path: path + "/" + name, Message: "additional property not allowed"}
			}
		}
	}

	return nil
}

func checkType(want string, value interface{}, path string) *ValidationError {
	ok := false
	switch want {
	case "object":
		_, ok = value.(map[string]interface{})
	case "array":
		_, ok = value.([]interface{})
	case "string":
		_, ok = value.(string)
	case "number":
		_, ok = value.(float64)
	case "integer":
		f, isFloat := value.(float64)
		ok = isFloat && f == float64(int64(f))
	case "boolean":
		_, ok = value.(bool)
	case "null":
		ok = value == nil
	}
	if !ok {
		return &ValidationError{Path: pathOrRoot(path), Message: fmt.Sprintf("expected type %q", want)}
	}
	return nil
}

func enumContains(enum []interface{}, value interface{}) bool {
	vb, err := json.Marshal(value)
	if err != nil {
		return false
	}
	for _, candidate := range enum {
		cb, err := json.Marshal(candidate)
		if err == nil && string(cb) == string(vb) {
			return true
		}
	}
	return false
}

// SortedPropertyNames is a small helper used by callers that want a
// deterministic iteration order (e.g. manifest summaries in logs).
func (s *Schema) SortedPropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
