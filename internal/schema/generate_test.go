package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_RoundTrip(t *testing.T) {
	payloads := []string{
		`{"a":1}`,
		`{"name":"widget","price":9.99,"tags":["x","y"],"dims":{"w":1,"h":2.5},"discontinued":false}`,
		`{"mixed":[1,"two",{"three":3},null,[4]]}`,
		`{"empty":{},"none":[],"nothing":null}`,
		`[{"id":1},{"id":2,"extra":"yes"}]`,
		`"just a string"`,
		`42`,
		`null`,
	}

	for _, p := range payloads {
		t.Run(p, func(t *testing.T) {
			var value interface{}
			require.NoError(t, json.Unmarshal([]byte(p), &value))

			generated := Generate(value)
			_, err := Validate(generated, value)
			assert.NoError(t, err)
		})
	}
}

func TestGenerate_Shapes(t *testing.T) {
	s := Generate(map[string]interface{}{"a": float64(1), "b": 1.5})
	assert.Equal(t, "object", s["type"])
	props := s["properties"].(map[string]interface{})
	assert.Equal(t, "integer", props["a"].(map[string]interface{})["type"])
	assert.Equal(t, "number", props["b"].(map[string]interface{})["type"])
	assert.ElementsMatch(t, []interface{}{"a", "b"}, s["required"])
}

func TestGenerate_EmptyArray(t *testing.T) {
	s := Generate([]interface{}{})
	assert.Equal(t, "array", s["type"])
	assert.Equal(t, map[string]interface{}{}, s["items"])

	_, err := Validate(s, []interface{}{})
	require.NoError(t, err)
	_, err = Validate(s, []interface{}{"anything", 1})
	assert.NoError(t, err)
}
