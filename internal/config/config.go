// Package config provides the configuration schema and loader for the
// teachme-live tutor server.
package config

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Language is a tutoring target language.
type Language string

const (
	LangEnglish Language = "en"
	LangKorean  Language = "ko"
)

// IsValid reports whether l is a supported target language.
func (l Language) IsValid() bool {
	return l == LangEnglish || l == LangKorean
}

// Config is the root configuration structure for teachme-live.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	STT       STTConfig       `yaml:"stt"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
	Tools     ToolsConfig     `yaml:"tools"`
	Structure StructureConfig `yaml:"structured_output"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig holds per-session defaults and turn limits.
type SessionConfig struct {
	// TargetLanguage is the default tutoring language for new sessions.
	TargetLanguage Language `yaml:"target_language"`

	// TranslatorMode enables the translator persona by default.
	TranslatorMode bool `yaml:"translator_mode"`

	// MaxAudioFrames bounds the per-session audio queue. Frames arriving while
	// the queue is full are dropped and counted.
	MaxAudioFrames int `yaml:"max_audio_frames"`

	// MaxAudioBytes caps the audio accepted for a single turn.
	MaxAudioBytes int `yaml:"max_audio_bytes"`

	// TurnMaxSeconds caps the duration of a single turn's audio.
	TurnMaxSeconds int `yaml:"turn_max_seconds"`
}

// STTConfig holds speech-to-text settings.
type STTConfig struct {
	// APIKey authenticates against the recognizer. Overridden by the
	// DEEPGRAM_API_KEY environment variable when set.
	APIKey string `yaml:"api_key"`

	// Model selects the recognizer model (e.g., "nova-3").
	Model string `yaml:"model"`

	// SampleRateHz is the client audio sample rate.
	SampleRateHz int `yaml:"sample_rate_hz"`

	// SilenceMs is the endpointing silence timeout in milliseconds. When no
	// audio arrives for this long, the current recognizer stream is rotated.
	SilenceMs int `yaml:"silence_ms"`

	// ConfidenceThreshold is the minimum final-transcript confidence below
	// which the turn is answered with a clarification prompt instead of the
	// model.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// LLMConfig holds model selection and turn budgets.
type LLMConfig struct {
	// APIKey authenticates against the model API. Overridden by the
	// ANTHROPIC_API_KEY environment variable when set.
	APIKey string `yaml:"api_key"`

	// PrimaryModel is tried first for every call.
	PrimaryModel string `yaml:"primary_model"`

	// FallbackModel is retried once on transport errors, 5xx, or timeout.
	FallbackModel string `yaml:"fallback_model"`

	// MaxTokens caps model output per call.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// RequestTimeoutMs is the wall-clock deadline for a single model call.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// TimeBudgetMs bounds the whole model phase of a text-only turn.
	TimeBudgetMs int `yaml:"time_budget_ms"`

	// ImageTimeBudgetMs bounds the model phase of a turn carrying an image.
	ImageTimeBudgetMs int `yaml:"image_time_budget_ms"`
}

// TTSConfig holds speech synthesis settings.
type TTSConfig struct {
	// BaseURL is the synthesis server address (e.g., "http://localhost:5002").
	BaseURL string `yaml:"base_url"`

	// SampleRateHz is the synthesized audio sample rate.
	SampleRateHz int `yaml:"sample_rate_hz"`
}

// ToolsConfig bounds tool-call behaviour inside a turn.
type ToolsConfig struct {
	// MaxIters caps tool-loop round trips per turn.
	MaxIters int `yaml:"max_iters"`

	// TimeoutMs is the per-tool-call execution timeout.
	TimeoutMs int `yaml:"timeout_ms"`
}

// StructureConfig controls structured-output enforcement.
type StructureConfig struct {
	// Strict enables the bounded JSON repair loop before deterministic
	// coercion.
	Strict *bool `yaml:"strict"`
}

// StrictEnabled reports whether strict structured mode is on (default true).
func (s StructureConfig) StrictEnabled() bool {
	return s.Strict == nil || *s.Strict
}

// Default returns a Config populated with every documented default.
// Load applies file values on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Session: SessionConfig{
			TargetLanguage: LangEnglish,
			MaxAudioFrames: 100,
			MaxAudioBytes:  2_400_000,
			TurnMaxSeconds: 20,
		},
		STT: STTConfig{
			Model:               "nova-3",
			SampleRateHz:        16000,
			SilenceMs:           1200,
			ConfidenceThreshold: 0.55,
		},
		LLM: LLMConfig{
			PrimaryModel:      "claude-sonnet-4-5",
			FallbackModel:     "claude-3-5-haiku-latest",
			MaxTokens:         600,
			Temperature:       0.2,
			RequestTimeoutMs:  20000,
			TimeBudgetMs:      8000,
			ImageTimeBudgetMs: 18000,
		},
		TTS: TTSConfig{
			BaseURL:      "http://localhost:5002",
			SampleRateHz: 24000,
		},
		Tools: ToolsConfig{
			MaxIters:  2,
			TimeoutMs: 3000,
		},
	}
}
