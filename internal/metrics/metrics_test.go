package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuadrant/wasm-policy-shim/internal/testhost"
)

func TestCountersIncrement(t *testing.T) {
	fake := testhost.New()
	c, err := New(fake)
	require.NoError(t, err)

	c.IncConfigs()
	c.IncHits()
	c.IncHits()
	c.IncDenied()

	assert.Equal(t, int64(1), fake.Metrics["configs"])
	assert.Equal(t, int64(2), fake.Metrics["hits"])
	assert.Equal(t, int64(1), fake.Metrics["denied"])
	assert.Equal(t, int64(0), fake.Metrics["errors"])
}
