package cel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]any

func (m mapResolver) Resolve(path []string) (any, bool) {
	if len(path) == 1 {
		return nil, false // an attribute root is always a container
	}
	key := joinPath(path)
	if v, ok := m[key]; ok {
		return v, true
	}
	prefix := key + "."
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			return nil, false // key is a valid, non-terminal prefix
		}
	}
	return nil, true // terminal: known-missing
}

func eval(t *testing.T, expr string, resolver Resolver) any {
	t.Helper()
	env, err := NewEnv()
	require.NoError(t, err)
	ast, err := Compile(env, expr)
	require.NoError(t, err)
	prg, err := Program(env, ast, nil, nil)
	require.NoError(t, err)
	out, _, err := prg.Eval(NewActivation(resolver))
	require.NoError(t, err)
	return out.Value()
}

func TestUnresolvedAttributeIsNull(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)
	ast, err := Compile(env, "request.unknown_path == null")
	require.NoError(t, err)
	prg, err := Program(env, ast, nil, nil)
	require.NoError(t, err)
	out, _, err := prg.Eval(NewActivation(mapResolver{}))
	require.NoError(t, err)
	assert.Equal(t, true, out.Value())
}

func TestResolvesNestedHeaderAttribute(t *testing.T) {
	got := eval(t, `request.headers["x-dyn-user-id"]`, mapResolver{
		"request.headers.x-dyn-user-id": "bob",
	})
	assert.Equal(t, "bob", got)
}

func TestMatchesGlob(t *testing.T) {
	assert.Equal(t, true, eval(t, `matches("foo123", "foo+")`, mapResolver{}))
	assert.Equal(t, false, eval(t, `matches("foo", "foo+")`, mapResolver{}))
	assert.Equal(t, true, eval(t, `matches("foo", "fo?o")`, mapResolver{}))
	assert.Equal(t, true, eval(t, `matches("anything", "*")`, mapResolver{}))
}

func TestCoerceToDescriptorString(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	cases := []struct {
		expr string
		want string
		ok   bool
	}{
		{`"v"`, "v", true},
		{`1`, "1", true},
		{`true`, "true", true},
		{`null`, "", false},
		{`[1,2]`, "[1,2]", true},
	}
	for _, c := range cases {
		ast, err := Compile(env, c.expr)
		require.NoError(t, err)
		prg, err := Program(env, ast, nil, nil)
		require.NoError(t, err)
		out, _, err := prg.Eval(NewActivation(mapResolver{}))
		require.NoError(t, err)
		s, ok := CoerceToDescriptorString(out)
		assert.Equal(t, c.ok, ok, c.expr)
		if ok {
			assert.Equal(t, c.want, s, c.expr)
		}
	}
}

func TestResolveJSONPointer(t *testing.T) {
	var doc any
	doc = map[string]any{"usage": map[string]any{"total_tokens": float64(24)}}
	v, ok := ResolveJSONPointer(doc, "/usage/total_tokens")
	require.True(t, ok)
	assert.Equal(t, float64(24), v)

	_, ok = ResolveJSONPointer(doc, "/missing")
	assert.False(t, ok)
}

func TestTokenizeDottedPathHonoursEscapedDots(t *testing.T) {
	got := TokenizeDottedPath(`metadata.filter_metadata.envoy\.filters\.http\.header_to_metadata.key`)
	assert.Equal(t, []string{"metadata", "filter_metadata", "envoy.filters.http.header_to_metadata", "key"}, got)
}

func TestRequestBodyJSONPointer(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)
	ast, err := Compile(env, `requestBodyJSON("/usage/total_tokens")`)
	require.NoError(t, err)
	prg, err := Program(env, ast, []byte(`{"usage":{"total_tokens":24}}`), nil)
	require.NoError(t, err)
	out, _, err := prg.Eval(NewActivation(mapResolver{}))
	require.NoError(t, err)
	assert.EqualValues(t, 24, out.Value())
}
