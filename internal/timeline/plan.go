package timeline

import (
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
)

// StepKind selects which of the six step variants a Step executes (spec
// §4.6). Unlike PlanReadyPayload.Steps (a string slice kept for bus
// observability only), Plan and Step are the typed values SubmitPlan
// actually runs.
type StepKind string

const (
	StepPlayCachedSpeech StepKind = "play_cached_speech"
	StepMusicCrossfade   StepKind = "music_crossfade"
	StepSpeak            StepKind = "speak"
	StepEyePattern       StepKind = "eye_pattern"
	StepDelay            StepKind = "delay"
	StepPlayMusic        StepKind = "play_music"
)

// MusicAction is the verb carried by a PlayMusic step.
type MusicAction string

const (
	MusicActionPlay MusicAction = "play"
	MusicActionStop MusicAction = "stop"
	MusicActionList MusicAction = "list"
)

// Step is one instruction in a Plan. Only the fields relevant to Kind are
// read; the rest are ignored. A tagged struct rather than six separate
// types keeps Plan authors (DJ mode, the CLI, tests) from needing a type
// switch just to build one.
type Step struct {
	ID   string
	Kind StepKind

	// PlayCachedSpeech.
	CacheKey string
	Volume   float64

	// Speak (legacy).
	Text string

	// MusicCrossfade.
	Track          string
	CrossfadeDelay time.Duration

	// EyePattern.
	Pattern   string
	Color     string
	Intensity float64

	// Delay.
	Delay time.Duration

	// PlayMusic.
	MusicAction MusicAction

	// DelayAfter is an optional settle delay run after this step completes,
	// regardless of Kind (spec §3: "Each step may carry an optional
	// delay_after").
	DelayAfter time.Duration
}

// Plan is a typed, ordered sequence of Steps submitted to one layer.
type Plan struct {
	ID    string
	Layer events.PlanLayer
	Steps []Step
}
