// Package config resolves process-startup configuration: the working
// memory snapshot path and external provider API keys. It is grounded on
// runtime/credentials.Resolver's resolution chain and its central rule — a
// missing credential disables the feature it backs, it never aborts
// startup (spec §6).
package config

import (
	"os"
	"strings"
)

// EnvStatePath is the environment variable overriding the working memory
// snapshot file location (spec §6).
const EnvStatePath = "R3X_STATE_PATH"

// DefaultStatePath is used when EnvStatePath is unset.
const DefaultStatePath = "./r3x_state.json"

// DefaultEnvVars maps a provider name to the environment variables checked,
// in order, for its API key — mirroring runtime/credentials.Resolver's
// DefaultEnvVars table adapted to this kernel's external providers.
var DefaultEnvVars = map[string][]string{
	"openai":     {"OPENAI_API_KEY"},
	"elevenlabs": {"ELEVENLABS_API_KEY"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
}

// Resolver looks up provider credentials and the snapshot path from the
// process environment. Build one with NewResolver or NewResolverWithEnv: the
// zero value has no lookup function, so StatePath panics on it.
type Resolver struct {
	envVars map[string][]string
	lookup  func(string) string
}

// NewResolver creates a Resolver reading from the real process environment.
func NewResolver() *Resolver {
	return &Resolver{envVars: DefaultEnvVars, lookup: os.Getenv}
}

// NewResolverWithEnv creates a Resolver reading from lookup instead of the
// real process environment, for tests.
func NewResolverWithEnv(lookup func(string) string) *Resolver {
	return &Resolver{envVars: DefaultEnvVars, lookup: lookup}
}

// APIKey resolves provider's API key by trying each of its default
// environment variables in order. ok is false if none are set — callers
// must treat that as "this provider is disabled," not an error.
func (r *Resolver) APIKey(provider string) (key string, ok bool) {
	for _, envVar := range r.envVars[strings.ToLower(provider)] {
		if v := r.lookup(envVar); v != "" {
			return v, true
		}
	}
	return "", false
}

// StatePath resolves the working memory snapshot path.
func (r *Resolver) StatePath() string {
	if v := r.lookup(EnvStatePath); v != "" {
		return v
	}
	return DefaultStatePath
}

// Snapshot is the resolved, process-wide configuration read once at
// startup (spec §6: "API keys for external providers are read once at
// startup").
type Snapshot struct {
	StatePath         string
	OpenAIKey         string
	OpenAIEnabled     bool
	ElevenLabsKey     string
	ElevenLabsEnabled bool
}

// Resolve builds a Snapshot from r. Missing provider keys leave the
// corresponding Enabled flag false rather than returning an error.
func Resolve(r *Resolver) Snapshot {
	var snap Snapshot
	snap.StatePath = r.StatePath()
	snap.OpenAIKey, snap.OpenAIEnabled = r.APIKey("openai")
	snap.ElevenLabsKey, snap.ElevenLabsEnabled = r.APIKey("elevenlabs")
	return snap
}
