package wasmlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kuadrant/wasm-policy-shim/internal/testhost"
)

func TestLoggerWritesToHost(t *testing.T) {
	fake := testhost.New()
	log := New(fake, "debug")

	log.Info("hit", "action_set", "as1")
	log.V(1).Info("trace detail")

	assert.NotEmpty(t, fake.Logs)
}

func TestLevelGating(t *testing.T) {
	fake := testhost.New()
	log := New(fake, "") // default info

	log.V(1).Info("should be suppressed below info")
	assert.Empty(t, fake.Logs)

	log.Info("visible")
	assert.Len(t, fake.Logs, 1)
}
