package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveMissingKeysDisableProvidersNotStartup(t *testing.T) {
	r := NewResolverWithEnv(func(string) string { return "" })
	snap := Resolve(r)
	assert.False(t, snap.OpenAIEnabled)
	assert.False(t, snap.ElevenLabsEnabled)
	assert.Equal(t, DefaultStatePath, snap.StatePath)
}

func TestResolvePicksUpKeysAndStatePathOverride(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY": "sk-test",
		EnvStatePath:     "/tmp/custom_state.json",
	}
	r := NewResolverWithEnv(func(k string) string { return env[k] })
	snap := Resolve(r)
	assert.True(t, snap.OpenAIEnabled)
	assert.Equal(t, "sk-test", snap.OpenAIKey)
	assert.False(t, snap.ElevenLabsEnabled)
	assert.Equal(t, "/tmp/custom_state.json", snap.StatePath)
}

func TestAPIKeyTriesEnvVarsInOrder(t *testing.T) {
	r := &Resolver{
		envVars: map[string][]string{"openai": {"FIRST_VAR", "SECOND_VAR"}},
		lookup: func(k string) string {
			if k == "SECOND_VAR" {
				return "fallback-key"
			}
			return ""
		},
	}
	key, ok := r.APIKey("openai")
	assert.True(t, ok)
	assert.Equal(t, "fallback-key", key)
}
