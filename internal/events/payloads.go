package events

import "time"

// Payload is the marker interface every event payload satisfies, mirroring
// the teacher's EventData marker: it lets the bus carry concrete structs
// instead of bare maps while still being able to type-switch generically
// where a handler only needs the envelope (timestamp/conversation id).
type Payload interface {
	Envelope() *Common
}

// Common fields every payload embeds, per spec §3 ("Payloads always carry a
// timestamp and optionally conversation_id and source fields").
type Common struct {
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Source         string    `json:"source,omitempty"`
}

// Envelope satisfies Payload for any struct embedding Common by value,
// provided that struct defines its own Envelope method returning &c.Common;
// concrete payloads below each do so explicitly for clarity and to keep
// zero-value payloads safe to use in tests without a constructor.

// ServiceStatusPayload is the service/status event (spec §6).
type ServiceStatusPayload struct {
	Common
	Service  string   `json:"service"`
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Severity string   `json:"severity"`
	Kind     string   `json:"kind,omitempty"`
}

func (p *ServiceStatusPayload) Envelope() *Common { return &p.Common }

// SetModeRequestPayload requests a mode transition.
type SetModeRequestPayload struct {
	Common
	Mode string `json:"mode"`
}

func (p *SetModeRequestPayload) Envelope() *Common { return &p.Common }

// ModeTransitionPayload covers started/complete/failed mode transition events.
type ModeTransitionPayload struct {
	Common
	Old    string `json:"old"`
	New    string `json:"new"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (p *ModeTransitionPayload) Envelope() *Common { return &p.Common }

// SystemModeChangePayload is system/mode/change.
type SystemModeChangePayload struct {
	Common
	Old string `json:"old"`
	New string `json:"new"`
}

func (p *SystemModeChangePayload) Envelope() *Common { return &p.Common }

// CLICommandPayload is cli/command, raw input from the (out-of-scope) CLI loop.
type CLICommandPayload struct {
	Common
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	RawInput  string   `json:"raw_input"`
}

func (p *CLICommandPayload) Envelope() *Common { return &p.Common }

// CLIResponsePayload is cli/response.
type CLIResponsePayload struct {
	Common
	Message string `json:"message"`
	IsError bool   `json:"is_error"`
}

func (p *CLIResponsePayload) Envelope() *Common { return &p.Common }

// RegisterCommandPayload is register/command, emitted by services at start.
type RegisterCommandPayload struct {
	Common
	Command        string `json:"command"`
	HandlerService string `json:"handler_service"`
	EventTopic     string `json:"event_topic"`
}

func (p *RegisterCommandPayload) Envelope() *Common { return &p.Common }

// DispatchedCommandPayload is the standardized payload the dispatcher emits
// on the owning service's topic (spec §4.3 step 4).
type DispatchedCommandPayload struct {
	Common
	Command    string   `json:"command"`
	Subcommand string   `json:"subcommand,omitempty"`
	Args       []string `json:"args"`
	RawInput   string   `json:"raw_input"`
}

func (p *DispatchedCommandPayload) Envelope() *Common { return &p.Common }

// TranscriptionPayload covers transcription/interim and transcription/final.
type TranscriptionPayload struct {
	Common
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

func (p *TranscriptionPayload) Envelope() *Common { return &p.Common }

// VoiceListeningPayload covers voice/listening/started and .../stopped.
type VoiceListeningPayload struct {
	Common
	Transcript string `json:"transcript,omitempty"`
}

func (p *VoiceListeningPayload) Envelope() *Common { return &p.Common }

// LLMResponsePayload is llm/response.
type LLMResponsePayload struct {
	Common
	Text       string `json:"text"`
	IsComplete bool   `json:"is_complete"`
}

func (p *LLMResponsePayload) Envelope() *Common { return &p.Common }

// LLMResponseChunkPayload is llm/response/chunk.
type LLMResponseChunkPayload struct {
	Common
	Text string `json:"text"`
}

func (p *LLMResponseChunkPayload) Envelope() *Common { return &p.Common }

// TTSGenerateRequestPayload is tts/generate_request (legacy Speak path).
type TTSGenerateRequestPayload struct {
	Common
	Text   string `json:"text"`
	ClipID string `json:"clip_id"`
	PlanID string `json:"plan_id,omitempty"`
	StepID string `json:"step_id,omitempty"`
}

func (p *TTSGenerateRequestPayload) Envelope() *Common { return &p.Common }

// TTSAudioDataPayload is tts/audio_data.
type TTSAudioDataPayload struct {
	Common
	RequestID  string `json:"request_id"`
	Success    bool   `json:"success"`
	AudioData  []byte `json:"audio_data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (p *TTSAudioDataPayload) Envelope() *Common { return &p.Common }

// SpeechGenerationPayload covers speech/generation/started and .../complete.
type SpeechGenerationPayload struct {
	Common
	Text                string  `json:"text"`
	AudioLengthSeconds   float64 `json:"audio_length_seconds,omitempty"`
	Success              bool    `json:"success"`
	Error                string  `json:"error,omitempty"`
	ClipID               string  `json:"clip_id,omitempty"`
}

func (p *SpeechGenerationPayload) Envelope() *Common { return &p.Common }

// CacheMetadata is the small bag of correlation fields the executor stamps
// onto cached-speech requests so completions can be traced back to a plan.
type CacheMetadata struct {
	PlanID   string `json:"plan_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	CacheKey string `json:"cache_key,omitempty"`
}

// SpeechCacheRequestPayload is speech_cache/request.
type SpeechCacheRequestPayload struct {
	Common
	CacheKey string        `json:"cache_key"`
	Text     string        `json:"text"`
	Metadata CacheMetadata `json:"metadata"`
}

func (p *SpeechCacheRequestPayload) Envelope() *Common { return &p.Common }

// SpeechCacheReadyPayload is speech_cache/ready.
type SpeechCacheReadyPayload struct {
	Common
	CacheKey   string        `json:"cache_key"`
	DurationMs int64         `json:"duration_ms"`
	SizeBytes  int           `json:"size_bytes"`
	Metadata   CacheMetadata `json:"metadata"`
}

func (p *SpeechCacheReadyPayload) Envelope() *Common { return &p.Common }

// SpeechCacheMissPayload is speech_cache/miss.
type SpeechCacheMissPayload struct {
	Common
	CacheKey string `json:"cache_key"`
}

func (p *SpeechCacheMissPayload) Envelope() *Common { return &p.Common }

// SpeechCacheErrorPayload is speech_cache/error.
type SpeechCacheErrorPayload struct {
	Common
	CacheKey string `json:"cache_key"`
	Error    string `json:"error"`
}

func (p *SpeechCacheErrorPayload) Envelope() *Common { return &p.Common }

// SpeechCachePlaybackRequestPayload is speech_cache/playback_request.
type SpeechCachePlaybackRequestPayload struct {
	Common
	CacheKey   string        `json:"cache_key"`
	PlaybackID string        `json:"playback_id"`
	Volume     float64       `json:"volume,omitempty"`
	Metadata   CacheMetadata `json:"metadata"`
}

func (p *SpeechCachePlaybackRequestPayload) Envelope() *Common { return &p.Common }

// SpeechCachePlaybackStartedPayload is speech_cache/playback_started.
type SpeechCachePlaybackStartedPayload struct {
	Common
	CacheKey   string        `json:"cache_key"`
	PlaybackID string        `json:"playback_id"`
	DurationMs int64         `json:"duration_ms"`
	Metadata   CacheMetadata `json:"metadata"`
}

func (p *SpeechCachePlaybackStartedPayload) Envelope() *Common { return &p.Common }

// CompletionStatus is the terminal state of a barrier-backed operation.
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionError      CompletionStatus = "error"
	CompletionTimeout    CompletionStatus = "timeout"
	CompletionCancelled  CompletionStatus = "cancelled"
)

// SpeechCachePlaybackCompletedPayload is speech_cache/playback_completed.
// The PlaybackID here MUST equal the one the requester supplied (spec §4.7
// "critical rule").
type SpeechCachePlaybackCompletedPayload struct {
	Common
	CacheKey         string           `json:"cache_key"`
	PlaybackID       string           `json:"playback_id"`
	CompletionStatus CompletionStatus `json:"completion_status"`
	Metadata         CacheMetadata    `json:"metadata"`
	Error            string           `json:"error,omitempty"`
}

func (p *SpeechCachePlaybackCompletedPayload) Envelope() *Common { return &p.Common }

// SpeechCacheCleanupPayload is speech_cache/cleanup.
type SpeechCacheCleanupPayload struct {
	Common
	Keys            []string `json:"keys,omitempty"`
	MaxAgeSeconds   float64  `json:"max_age_seconds,omitempty"`
}

func (p *SpeechCacheCleanupPayload) Envelope() *Common { return &p.Common }

// SpeechCacheClearedPayload is speech_cache/cleared.
type SpeechCacheClearedPayload struct {
	Common
	CacheKey string `json:"cache_key,omitempty"`
	Success  bool   `json:"success"`
}

func (p *SpeechCacheClearedPayload) Envelope() *Common { return &p.Common }

// MusicCommandPayload is music/command (play/stop/list).
type MusicCommandPayload struct {
	Common
	Action string `json:"action"` // play | stop | list
	Track  string `json:"track,omitempty"`
}

func (p *MusicCommandPayload) Envelope() *Common { return &p.Common }

// TrackPlayingPayload is track/playing.
type TrackPlayingPayload struct {
	Common
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p *TrackPlayingPayload) Envelope() *Common { return &p.Common }

// TrackStoppedPayload is track/stopped.
type TrackStoppedPayload struct {
	Common
}

func (p *TrackStoppedPayload) Envelope() *Common { return &p.Common }

// DuckingStartPayload is audio/ducking/start.
type DuckingStartPayload struct {
	Common
	Level  float64 `json:"level"`
	FadeMs int64   `json:"fade_ms"`
}

func (p *DuckingStartPayload) Envelope() *Common { return &p.Common }

// DuckingStopPayload is audio/ducking/stop.
type DuckingStopPayload struct {
	Common
	FadeMs int64 `json:"fade_ms"`
}

func (p *DuckingStopPayload) Envelope() *Common { return &p.Common }

// MusicCrossfadeCompletePayload is music/crossfade_complete.
type MusicCrossfadeCompletePayload struct {
	Common
	CrossfadeID string `json:"crossfade_id"`
}

func (p *MusicCrossfadeCompletePayload) Envelope() *Common { return &p.Common }

// MusicCrossfadeRequestPayload is music/crossfade_request, the executor's
// direct control channel to the MusicController (spec §9 Open Question 2:
// the crossfade_id is plumbed through the request rather than invented by
// the controller, so the executor's barrier keys off the id it supplied).
type MusicCrossfadeRequestPayload struct {
	Common
	Track          string `json:"track"`
	CrossfadeID    string `json:"crossfade_id"`
	CrossfadeMs    int64  `json:"crossfade_ms"`
}

func (p *MusicCrossfadeRequestPayload) Envelope() *Common { return &p.Common }

// TrackEndingSoonPayload is track/ending_soon, used for DJ lookahead.
type TrackEndingSoonPayload struct {
	Common
	RemainingMs int64 `json:"remaining_ms"`
}

func (p *TrackEndingSoonPayload) Envelope() *Common { return &p.Common }

// EyeCommandPayload is eye/command.
type EyeCommandPayload struct {
	Common
	Pattern   string  `json:"pattern"`
	Color     string  `json:"color,omitempty"`
	Intensity float64 `json:"intensity,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (p *EyeCommandPayload) Envelope() *Common { return &p.Common }

// PlanLayer is one of the three executor priority lanes (spec §3, §4.6).
type PlanLayer string

const (
	LayerAmbient    PlanLayer = "ambient"
	LayerForeground PlanLayer = "foreground"
	LayerOverride   PlanLayer = "override"
)

// Priority returns the layer's arbitration priority (higher preempts lower).
func (l PlanLayer) Priority() int {
	switch l {
	case LayerAmbient:
		return 0
	case LayerForeground:
		return 1
	case LayerOverride:
		return 2
	default:
		return -1
	}
}

// PlanStatus is the terminal status of a plan (spec §4.6).
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
	PlanFailed    PlanStatus = "failed"
	PlanError     PlanStatus = "error"
)

// PlanReadyPayload is plan/ready; Steps are opaque JSON-ish maps at the bus
// boundary but the timeline package submits typed Plan values directly via
// SubmitPlan, so this payload exists for completeness/observability only.
type PlanReadyPayload struct {
	Common
	PlanID string      `json:"plan_id"`
	Layer  PlanLayer   `json:"layer"`
	Steps  []string    `json:"steps"`
}

func (p *PlanReadyPayload) Envelope() *Common { return &p.Common }

// PlanStartedPayload is plan/started.
type PlanStartedPayload struct {
	Common
	PlanID string    `json:"plan_id"`
	Layer  PlanLayer `json:"layer"`
}

func (p *PlanStartedPayload) Envelope() *Common { return &p.Common }

// StepReadyPayload is step/ready.
type StepReadyPayload struct {
	Common
	PlanID string `json:"plan_id"`
	StepID string `json:"step_id"`
}

func (p *StepReadyPayload) Envelope() *Common { return &p.Common }

// StepExecutedPayload is step/executed.
type StepExecutedPayload struct {
	Common
	PlanID  string `json:"plan_id"`
	StepID  string `json:"step_id"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (p *StepExecutedPayload) Envelope() *Common { return &p.Common }

// PlanEndedPayload is plan/ended.
type PlanEndedPayload struct {
	Common
	PlanID string     `json:"plan_id"`
	Layer  PlanLayer  `json:"layer"`
	Status PlanStatus `json:"status"`
}

func (p *PlanEndedPayload) Envelope() *Common { return &p.Common }

// MemoryGetPayload is memory/get; the response is emitted on CallbackTopic.
type MemoryGetPayload struct {
	Common
	Key          string `json:"key"`
	CallbackTopic string `json:"callback_topic"`
}

func (p *MemoryGetPayload) Envelope() *Common { return &p.Common }

// MemorySetPayload is memory/set.
type MemorySetPayload struct {
	Common
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (p *MemorySetPayload) Envelope() *Common { return &p.Common }

// MemoryUpdatedPayload is memory/updated.
type MemoryUpdatedPayload struct {
	Common
	Key      string `json:"key"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

func (p *MemoryUpdatedPayload) Envelope() *Common { return &p.Common }

// DebugLogPayload is debug/log.
type DebugLogPayload struct {
	Common
	Component string         `json:"component"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func (p *DebugLogPayload) Envelope() *Common { return &p.Common }

// DebugCommandPayload is debug/command.
type DebugCommandPayload struct {
	Common
	Subcommand string   `json:"subcommand"`
	Args       []string `json:"args"`
}

func (p *DebugCommandPayload) Envelope() *Common { return &p.Common }

// DebugSetGlobalLevelPayload is debug/set_global_level.
type DebugSetGlobalLevelPayload struct {
	Common
	Level string `json:"level"`
}

func (p *DebugSetGlobalLevelPayload) Envelope() *Common { return &p.Common }

// DebugCommandTracePayload is debug/command_trace, a record of one dispatched
// command; DebugService logs it only while tracing is enabled.
type DebugCommandTracePayload struct {
	Common
	Command    string        `json:"command"`
	Service    string        `json:"service"`
	Topic      string        `json:"topic"`
	DurationMs float64       `json:"duration_ms"`
}

func (p *DebugCommandTracePayload) Envelope() *Common { return &p.Common }

// DebugPerformancePayload is debug/performance, a timing sample reported by
// any service (step execution, cache lookups, TTS round-trips).
type DebugPerformancePayload struct {
	Common
	Component  string  `json:"component"`
	Operation  string  `json:"operation"`
	DurationMs float64 `json:"duration_ms"`
}

func (p *DebugPerformancePayload) Envelope() *Common { return &p.Common }

// DebugStateTransitionPayload is debug/state_transition, a generic record of
// any service's internal state machine moving from one state to another
// (mode transitions, plan layer changes, cache entry lifecycle).
type DebugStateTransitionPayload struct {
	Common
	Component string `json:"component"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func (p *DebugStateTransitionPayload) Envelope() *Common { return &p.Common }

// DebugConfigPayload is debug/config, a snapshot of a service's effective
// configuration for introspection.
type DebugConfigPayload struct {
	Common
	Component string         `json:"component"`
	Config    map[string]any `json:"config"`
}

func (p *DebugConfigPayload) Envelope() *Common { return &p.Common }

// ShutdownRequestedPayload is system/shutdown/requested.
type ShutdownRequestedPayload struct {
	Common
	Reason  string `json:"reason"`
	Restart bool   `json:"restart,omitempty"`
}

func (p *ShutdownRequestedPayload) Envelope() *Common { return &p.Common }
