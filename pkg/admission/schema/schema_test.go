package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, doc string) *Schema {
	t.Helper()
	s, err := Compile([]byte(doc))
	require.NoError(t, err)
	return s
}

func unmarshal(t *testing.T, payload string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &v))
	return v
}

func TestCompile_RejectsUnsupportedKeyword(t *testing.T) {
	_, err := Compile([]byte(`{"type":"object","patternProperties":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patternProperties")
}

func TestCompile_RejectsUnsupportedType(t *testing.T) {
	_, err := Compile([]byte(`{"type":"tuple"}`))
	require.Error(t, err)
}

func TestValidate_RequiredAndType(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {"q": {"type": "number"}},
		"required": ["q"]
	}`)

	assert.Nil(t, s.Validate(unmarshal(t, `{"q": 42}`)))

	err := s.Validate(unmarshal(t, `{}`))
	require.NotNil(t, err)
	assert.Equal(t, "/q", err.Path)

	err = s.Validate(unmarshal(t, `{"q": "not a number"}`))
	require.NotNil(t, err)
	assert.Equal(t, "/q", err.Path)
}

func TestValidate_StrictModeRejectsUnknownFields(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {"q": {"type": "string"}}
	}`)

	assert.Nil(t, s.Validate(unmarshal(t, `{"q": "hi"}`)))

	err := s.Validate(unmarshal(t, `{"q": "hi", "extra": true}`))
	require.NotNil(t, err)
	assert.Equal(t, "/extra", err.Path)
}

func TestValidate_ExplicitAdditionalPropertiesTrueAllowsExtras(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {"q": {"type": "string"}},
		"additionalProperties": true
	}`)
	assert.Nil(t, s.Validate(unmarshal(t, `{"q": "hi", "extra": true}`)))
}

func TestValidate_EnumMinMaxLengthPattern(t *testing.T) {
	s := mustCompile(t, `{
		"type": "object",
		"properties": {
			"color": {"type": "string", "enum": ["red", "green", "blue"]},
			"age": {"type": "number", "minimum": 0, "maximum": 120},
			"name": {"type": "string", "minLength": 1, "maxLength": 5},
			"code": {"type": "string", "pattern": "^[A-Z]{3}$"}
		}
	}`)

	assert.Nil(t, s.Validate(unmarshal(t, `{"color":"red","age":30,"name":"abc","code":"ABC"}`)))

	err := s.Validate(unmarshal(t, `{"color":"purple"}`))
	require.NotNil(t, err)
	assert.Equal(t, "/color", err.Path)

	err = s.Validate(unmarshal(t, `{"age":200}`))
	require.NotNil(t, err)
	assert.Equal(t, "/age", err.Path)

	err = s.Validate(unmarshal(t, `{"name":"toolong"}`))
	require.NotNil(t, err)
	assert.Equal(t, "/name", err.Path)

	err = s.Validate(unmarshal(t, `{"code":"abc"}`))
	require.NotNil(t, err)
	assert.Equal(t, "/code", err.Path)
}

func TestValidate_ArrayItems(t *testing.T) {
	s := mustCompile(t, `{
		"type": "array",
		"items": {"type": "number", "minimum": 0}
	}`)

	assert.Nil(t, s.Validate(unmarshal(t, `[1, 2, 3]`)))

	err := s.Validate(unmarshal(t, `[1, -2, 3]`))
	require.NotNil(t, err)
	assert.Equal(t, "/1", err.Path)
}
