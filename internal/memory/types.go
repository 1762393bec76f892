// Package memory implements the kernel's durable working memory (spec §4.5):
// a bounded keyed state map, a chat-history ring, predicate waits, and JSON
// snapshot persistence.
package memory

import "time"

// Key is one of the closed set of recognized memory keys (spec §4.5).
type Key string

const (
	KeyMode               Key = "mode"
	KeyMusicPlaying       Key = "music_playing"
	KeyCurrentTrack       Key = "current_track"
	KeyLastIntent         Key = "last_intent"
	KeyChatHistory        Key = "chat_history"
	KeyDJModeActive       Key = "dj_mode_active"
	KeyDJTrackHistory     Key = "dj_track_history"
	KeyDJNextTrack        Key = "dj_next_track"
	KeyDJTransitionStyle  Key = "dj_transition_style"
	KeyDJUserPreferences  Key = "dj_user_preferences"
	KeyDJLookaheadCache   Key = "dj_lookahead_cache"
)

// recognizedKeys lists every Key the store will initialize with a default
// value, so a partial or missing snapshot file still yields a fully
// populated state map (spec §4.5 "Partial reads must default to known key
// initialization").
var recognizedKeys = []Key{
	KeyMode, KeyMusicPlaying, KeyCurrentTrack, KeyLastIntent, KeyChatHistory,
	KeyDJModeActive, KeyDJTrackHistory, KeyDJNextTrack, KeyDJTransitionStyle,
	KeyDJUserPreferences, KeyDJLookaheadCache,
}

func defaultValue(k Key) any {
	switch k {
	case KeyMode:
		return "STARTUP"
	case KeyMusicPlaying:
		return false
	case KeyCurrentTrack:
		return ""
	case KeyLastIntent:
		return ""
	case KeyChatHistory:
		return []ChatMessage{}
	case KeyDJModeActive:
		return false
	case KeyDJTrackHistory:
		return []string{}
	case KeyDJNextTrack:
		return ""
	case KeyDJTransitionStyle:
		return ""
	case KeyDJUserPreferences:
		return map[string]any{}
	case KeyDJLookaheadCache:
		return map[string]LookaheadEntry{}
	default:
		return nil
	}
}

// ChatMessage is one turn of the bounded chat-history ring.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LookaheadState is the state enum for a dj_lookahead_cache entry (spec §3).
type LookaheadState string

const (
	LookaheadPending LookaheadState = "pending"
	LookaheadReady    LookaheadState = "ready"
	LookaheadFailed   LookaheadState = "failed"
	LookaheadCleared  LookaheadState = "cleared"
)

// LookaheadEntry records a DJ-mode next-track commentary cache-readiness
// record, keyed by track id in the dj_lookahead_cache map.
type LookaheadEntry struct {
	TrackID string         `json:"track_id"`
	State   LookaheadState `json:"state"`
	Details map[string]any `json:"details,omitempty"`
}
