// Package events defines the closed topic enumeration and payload schemas
// for the kernel's event bus (spec §6, §3).
package events

// Topic is one of the closed set of dotted/slashed topic identifiers the
// bus routes on. Unknown topics are legal to emit/subscribe to (the bus
// treats them as no-ops when nothing is subscribed) but only the topics
// below carry a validated payload shape.
type Topic string

const (
	// Service status.
	TopicServiceStatus Topic = "service/status"

	// Mode.
	TopicSetModeRequest      Topic = "system/set_mode/request"
	TopicModeCommand         Topic = "mode/command"
	TopicModeTransitionStart Topic = "mode/transition/started"
	TopicModeTransitionDone  Topic = "mode/transition/complete"
	TopicModeTransitionFail  Topic = "mode/transition/failed"
	TopicSystemModeChange    Topic = "system/mode/change"

	// CLI.
	TopicCLICommand       Topic = "cli/command"
	TopicCLIResponse      Topic = "cli/response"
	TopicRegisterCommand  Topic = "register/command"

	// Transcription / voice lifecycle.
	TopicTranscriptionInterim Topic = "transcription/interim"
	TopicTranscriptionFinal   Topic = "transcription/final"
	TopicVoiceListeningStart  Topic = "voice/listening/started"
	TopicVoiceListeningStop   Topic = "voice/listening/stopped"
	TopicVoiceProcessingStart Topic = "voice/processing/started"

	// LLM.
	TopicLLMResponse      Topic = "llm/response"
	TopicLLMResponseChunk Topic = "llm/response/chunk"

	// Legacy TTS.
	TopicTTSGenerateRequest    Topic = "tts/generate_request"
	TopicTTSAudioData          Topic = "tts/audio_data"
	TopicSpeechGenStarted      Topic = "speech/generation/started"
	TopicSpeechGenComplete     Topic = "speech/generation/complete"

	// Cached speech.
	TopicSpeechCacheRequest         Topic = "speech_cache/request"
	TopicSpeechCacheReady           Topic = "speech_cache/ready"
	TopicSpeechCacheMiss            Topic = "speech_cache/miss"
	TopicSpeechCacheError           Topic = "speech_cache/error"
	TopicSpeechCachePlaybackRequest Topic = "speech_cache/playback_request"
	TopicSpeechCachePlaybackStarted Topic = "speech_cache/playback_started"
	TopicSpeechCachePlaybackDone    Topic = "speech_cache/playback_completed"
	TopicSpeechCacheCleanup         Topic = "speech_cache/cleanup"
	TopicSpeechCacheCleared         Topic = "speech_cache/cleared"

	// Music.
	TopicMusicCommand          Topic = "music/command"
	TopicMusicDispatch         Topic = "music/dispatch"
	TopicMusicCrossfadeRequest Topic = "music/crossfade_request"
	TopicTrackPlaying       Topic = "track/playing"
	TopicTrackStopped       Topic = "track/stopped"
	TopicAudioDuckingStart  Topic = "audio/ducking/start"
	TopicAudioDuckingStop   Topic = "audio/ducking/stop"
	TopicMusicVolumeDucked  Topic = "music/volume/ducked"
	TopicMusicVolumeRestore Topic = "music/volume/restored"
	TopicMusicCrossfadeDone Topic = "music/crossfade_complete"
	TopicTrackEndingSoon    Topic = "track/ending_soon"

	// LED.
	TopicEyeCommand  Topic = "eye/command"
	TopicEyeDispatch Topic = "timeline/eye_dispatch"

	// DJ mode.
	TopicDJCommand            Topic = "dj/command"
	TopicDJModeStart          Topic = "dj/mode/start"
	TopicDJModeStop           Topic = "dj/mode/stop"
	TopicDJNextTrackSelected  Topic = "dj/next_track_selected"
	TopicDJTrackQueued        Topic = "dj/track/queued"

	// Plans.
	TopicPlanReady    Topic = "plan/ready"
	TopicPlanStarted  Topic = "plan/started"
	TopicStepReady    Topic = "step/ready"
	TopicStepExecuted Topic = "step/executed"
	TopicPlanEnded    Topic = "plan/ended"

	// Memory.
	TopicMemoryGet     Topic = "memory/get"
	TopicMemorySet     Topic = "memory/set"
	TopicMemoryUpdated Topic = "memory/updated"

	// Debug.
	TopicDebugLog           Topic = "debug/log"
	TopicDebugCommand       Topic = "debug/command"
	TopicDebugCommandTrace  Topic = "debug/command_trace"
	TopicDebugPerformance   Topic = "debug/performance"
	TopicDebugStateTransition Topic = "debug/state_transition"
	TopicDebugConfig        Topic = "debug/config"
	TopicDebugSetGlobalLevel Topic = "debug/set_global_level"

	// Shutdown.
	TopicShutdownRequested Topic = "system/shutdown/requested"
)
