package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; sessions will not be able to generate responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; audio utterances will not be transcribed")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; responses will be text-only")
	}

	p := &cfg.Pipeline

	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must not be negative", p.SampleRate))
	}
	if p.Channels < 0 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("pipeline.channels %d is out of range [0, 2]", p.Channels))
	}
	if p.WakeSensitivity < 0 || p.WakeSensitivity > 1 {
		errs = append(errs, fmt.Errorf("pipeline.wake_sensitivity %.2f is out of range [0, 1]", p.WakeSensitivity))
	}
	for i, phrase := range p.WakePhrases {
		if strings.TrimSpace(phrase) == "" {
			errs = append(errs, fmt.Errorf("pipeline.wake_phrases[%d] is empty", i))
		}
	}
	for i, phrase := range p.InterruptPhrases {
		if strings.TrimSpace(phrase) == "" {
			errs = append(errs, fmt.Errorf("pipeline.interrupt_phrases[%d] is empty", i))
		}
	}

	if p.Voice.Stability < 0 || p.Voice.Stability > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.stability %.2f is out of range [0, 1]", p.Voice.Stability))
	}
	if p.Voice.SimilarityBoost < 0 || p.Voice.SimilarityBoost > 1 {
		errs = append(errs, fmt.Errorf("pipeline.voice.similarity_boost %.2f is out of range [0, 1]", p.Voice.SimilarityBoost))
	}

	// Verification
	if p.Verify.Mode != "" && !p.Verify.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.verify.mode %q is invalid; valid values: rule, llm", p.Verify.Mode))
	}
	if p.Verify.Threshold < 0 || p.Verify.Threshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.verify.threshold %.2f is out of range [0, 1]", p.Verify.Threshold))
	}
	if p.Verify.Enabled && p.Verify.Mode == VerifyLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("pipeline.verify.mode \"llm\" requires providers.llm to be configured"))
	}

	if p.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.max_attempts %d must not be negative", p.Retry.MaxAttempts))
	}
	if p.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("pipeline.breaker.max_failures %d must not be negative", p.Breaker.MaxFailures))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; conversations will not survive restarts")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
