package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoobzio/capitan"
)

func TestSignalsAreNamedAndDescribed(t *testing.T) {
	signals := []capitan.Signal{
		GenerationStarted, GenerationCompleted, GenerationFailed,
		ProviderCallStarted, ProviderCallCompleted, ProviderCallFailed,
		ScriptRejected, ExecutionCommitted, ExecutionRolledBack,
	}
	seen := make(map[string]bool)
	for _, s := range signals {
		assert.True(t, strings.HasPrefix(s.Name(), "scenegen."), s.Name())
		assert.NotEmpty(t, s.Description(), s.Name())
		assert.False(t, seen[s.Name()], "duplicate signal %s", s.Name())
		seen[s.Name()] = true
	}
}
