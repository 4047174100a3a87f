package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment-variable
// overrides, and returns a validated [Config]. Missing fields keep the values
// from [Default].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides injects secrets from the environment. Environment values
// take precedence over file values so that keys never need to live on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		cfg.STT.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Session.TargetLanguage.IsValid() {
		errs = append(errs, fmt.Errorf("session.target_language %q is invalid; valid values: en, ko", cfg.Session.TargetLanguage))
	}
	if cfg.Session.MaxAudioFrames <= 0 {
		errs = append(errs, fmt.Errorf("session.max_audio_frames %d must be positive", cfg.Session.MaxAudioFrames))
	}
	if cfg.Session.MaxAudioBytes <= 0 {
		errs = append(errs, fmt.Errorf("session.max_audio_bytes %d must be positive", cfg.Session.MaxAudioBytes))
	}
	if cfg.Session.TurnMaxSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.turn_max_seconds %d must be positive", cfg.Session.TurnMaxSeconds))
	}
	if cfg.STT.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("stt.sample_rate_hz %d must be positive", cfg.STT.SampleRateHz))
	}
	if cfg.STT.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("stt.silence_ms %d must be positive", cfg.STT.SilenceMs))
	}
	if cfg.STT.ConfidenceThreshold < 0 || cfg.STT.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("stt.confidence_threshold %.2f is out of range [0, 1]", cfg.STT.ConfidenceThreshold))
	}
	if cfg.LLM.PrimaryModel == "" {
		errs = append(errs, errors.New("llm.primary_model is required"))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must be positive", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 1 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 1]", cfg.LLM.Temperature))
	}
	if cfg.LLM.RequestTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("llm.request_timeout_ms %d must be positive", cfg.LLM.RequestTimeoutMs))
	}
	if cfg.LLM.TimeBudgetMs <= 0 {
		errs = append(errs, fmt.Errorf("llm.time_budget_ms %d must be positive", cfg.LLM.TimeBudgetMs))
	}
	if cfg.LLM.ImageTimeBudgetMs < cfg.LLM.TimeBudgetMs {
		errs = append(errs, fmt.Errorf("llm.image_time_budget_ms %d must be >= llm.time_budget_ms %d", cfg.LLM.ImageTimeBudgetMs, cfg.LLM.TimeBudgetMs))
	}
	if cfg.TTS.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tts.sample_rate_hz %d must be positive", cfg.TTS.SampleRateHz))
	}
	if cfg.Tools.MaxIters <= 0 {
		errs = append(errs, fmt.Errorf("tools.max_iters %d must be positive", cfg.Tools.MaxIters))
	}
	if cfg.Tools.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_ms %d must be positive", cfg.Tools.TimeoutMs))
	}

	return errors.Join(errs...)
}
