package props

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFromMap_FlattensNestedObjects(t *testing.T) {
	s, err := FromMap(map[string]any{
		"golem": map[string]any{
			"inf": map[string]any{
				"cpu": map[string]any{"cores": 4},
			},
			"runtime": "vm",
		},
		"price": 1.5,
	})
	require.NoError(t, err)

	assert.Equal(t, Number(4), s.Lookup("golem.inf.cpu.cores"))
	assert.Equal(t, String("vm"), s.Lookup("golem.runtime"))
	assert.Equal(t, Number(1.5), s.Lookup("price"))
	assert.Len(t, s, 3)
}

func TestFromMap_RejectsNull(t *testing.T) {
	_, err := FromMap(map[string]any{"a": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`)
}

func TestFromMap_RejectsCollision(t *testing.T) {
	_, err := FromMap(map[string]any{
		"a.b": 1,
		"a":   map[string]any{"b": 2},
	})
	require.Error(t, err)
}

func TestFromMap_ArrayValues(t *testing.T) {
	s, err := FromMap(map[string]any{"caps": []any{"vpn", "gpu"}})
	require.NoError(t, err)
	assert.Equal(t, Array{String("vpn"), String("gpu")}, s.Lookup("caps"))
}

func TestFromMap_YAMLDocument(t *testing.T) {
	doc := `
golem:
  inf:
    mem: 8
  tags: [a, b]
price: 0.25
gpu: true
`
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(doc), &raw))

	s, err := FromMap(raw)
	require.NoError(t, err)
	assert.Equal(t, Number(8), s.Lookup("golem.inf.mem"))
	assert.Equal(t, Array{String("a"), String("b")}, s.Lookup("golem.tags"))
	assert.Equal(t, Number(0.25), s.Lookup("price"))
	assert.Equal(t, Bool(true), s.Lookup("gpu"))
}

func TestLookup_MissingPath(t *testing.T) {
	s := New(P("cpu", Number(2)))
	assert.Equal(t, Missing{}, s.Lookup("mem"))
	assert.False(t, s.Has("mem"))
	assert.True(t, s.Has("cpu"))
}

func TestSet_JSONRoundTripFlattens(t *testing.T) {
	var s Set
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b":1,"c":"x"},"d":[1,2.5]}`), &s))

	assert.Equal(t, Number(1), s.Lookup("a.b"))
	assert.Equal(t, String("x"), s.Lookup("a.c"))
	assert.Equal(t, Array{Number(1), Number(2.5)}, s.Lookup("d"))

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.b":1,"a.c":"x","d":[1,2.5]}`, string(out))
}

func TestSet_MergeDoesNotMutate(t *testing.T) {
	base := New(P("cpu", Number(2)))
	merged := base.Merge(New(P("cpu", Number(4)), P("mem", Number(8))))

	assert.Equal(t, Number(2), base.Lookup("cpu"))
	assert.Equal(t, Number(4), merged.Lookup("cpu"))
	assert.Equal(t, Number(8), merged.Lookup("mem"))
}

func TestSet_Equal(t *testing.T) {
	a := New(P("x", Array{Number(1)}), P("y", String("s")))
	b := New(P("y", String("s")), P("x", Array{Number(1)}))
	c := New(P("x", Array{Number(2)}), P("y", String("s")))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestSet_String(t *testing.T) {
	s := New(P("price", Number(1.5)), P("cpu", Number(4)))
	assert.Equal(t, "cpu=4 price=1.5", s.String())
}
