package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotStore persists the full state map as JSON to a well-known file
// after every mutation (spec §4.5), using a write-to-temp-then-rename
// idiom (grounded on runtime/storage/local.FileStore's safe-write pattern)
// so a crash mid-write never leaves a truncated snapshot behind.
type snapshotStore struct {
	path string
}

func newSnapshotStore(path string) *snapshotStore {
	return &snapshotStore{path: path}
}

// load reads the snapshot file, if present, returning a partial map. A
// missing file is not an error: callers merge the result over defaults.
func (s *snapshotStore) load() (map[Key]any, error) {
	if s.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path) //nolint:gosec // path is operator-configured, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory snapshot: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse memory snapshot: %w", err)
	}

	out := make(map[Key]any, len(raw))
	for _, key := range recognizedKeys {
		msg, ok := raw[string(key)]
		if !ok {
			continue
		}
		val, err := decodeValue(key, msg)
		if err != nil {
			continue // malformed entry: fall back to default for this key
		}
		out[key] = val
	}
	return out, nil
}

func decodeValue(key Key, msg json.RawMessage) (any, error) {
	switch key {
	case KeyChatHistory:
		var v []ChatMessage
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KeyDJTrackHistory:
		var v []string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KeyDJUserPreferences:
		var v map[string]any
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KeyDJLookaheadCache:
		var v map[string]LookaheadEntry
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		return v, nil
	case KeyMusicPlaying, KeyDJModeActive:
		var v bool
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		var v string
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// save writes the full state map to the snapshot file atomically.
func (s *snapshotStore) save(state map[Key]any) error {
	if s.path == "" {
		return nil
	}
	raw := make(map[string]any, len(state))
	for k, v := range state {
		raw[string(k)] = v
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create memory snapshot dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".memory-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup; rename below usually removes it first

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}
