package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kcel "github.com/kuadrant/wasm-policy-shim/internal/cel"
	"github.com/kuadrant/wasm-policy-shim/internal/testhost"
)

func eval(t *testing.T, expr string, r *Resolver) any {
	t.Helper()
	env, err := kcel.NewEnv()
	require.NoError(t, err)
	ast, err := kcel.Compile(env, expr)
	require.NoError(t, err)
	prg, err := kcel.Program(env, ast, nil, nil)
	require.NoError(t, err)
	out, _, err := prg.Eval(kcel.NewActivation(r))
	require.NoError(t, err)
	return out.Value()
}

func TestResolvesRequestHeader(t *testing.T) {
	fake := testhost.New()
	fake.ReqHeaders = [][2]string{{"x-user-id", "bob"}}
	r := &Resolver{Host: fake, State: NewState()}

	got := eval(t, `request.headers["x-user-id"]`, r)
	assert.Equal(t, "bob", got)
}

func TestMissingHeaderResolvesNull(t *testing.T) {
	fake := testhost.New()
	r := &Resolver{Host: fake, State: NewState()}

	got := eval(t, `request.headers["absent"] == null`, r)
	assert.Equal(t, true, got)
}

func TestResolvesFlatProperty(t *testing.T) {
	fake := testhost.New()
	fake.Properties["request.url_path"] = "/v1/chat"
	r := &Resolver{Host: fake, State: NewState()}

	assert.Equal(t, "/v1/chat", eval(t, "request.url_path", r))
}

func TestResolvesNestedDynamicMetadata(t *testing.T) {
	fake := testhost.New()
	fake.Properties["metadata.filter_metadata.envoy.filters.http.header_to_metadata.key"] = "v"
	r := &Resolver{Host: fake, State: NewState()}

	got := eval(t, `metadata.filter_metadata["envoy.filters.http.header_to_metadata"]["key"]`, r)
	assert.Equal(t, "v", got)
}

func TestAuthContextPopulatedFromCheckResponse(t *testing.T) {
	fake := testhost.New()
	state := NewState()
	state.RecordAuthMetadata(map[string]any{
		"identity": map[string]any{"userid": "alice"},
	})
	r := &Resolver{Host: fake, State: state}

	assert.Equal(t, "alice", eval(t, "auth.identity.userid", r))
}

func TestRatelimitContextPopulatedOnAllow(t *testing.T) {
	fake := testhost.New()
	state := NewState()
	state.RecordRatelimitMetadata(map[string]any{"x-ratelimit-remaining": "4"})
	r := &Resolver{Host: fake, State: state}

	assert.Equal(t, "4", eval(t, `ratelimit["x-ratelimit-remaining"]`, r))
}

func TestRecordAuthMetadataIsWriteOnce(t *testing.T) {
	state := NewState()
	state.RecordAuthMetadata(map[string]any{"identity": map[string]any{"userid": "alice"}})
	state.RecordAuthMetadata(map[string]any{"identity": map[string]any{"userid": "mallory"}})

	assert.Equal(t, "alice", state.Auth["identity.userid"])
}
