package config_test

import (
	"strings"
	"testing"

	"github.com/vocalis-ai/vocalis/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  metrics_addr: ":9090"
  log_level: debug
providers:
  stt:
    name: whisper
    api_key: sk-test
    model: whisper-1
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: el-test
  embeddings:
    name: openai
    api_key: sk-test
pipeline:
  system_prompt: "You are Vocalis."
  history_window: 20
  temperature: 0.7
  sample_rate: 16000
  channels: 1
  min_utterance_ms: 500
  max_latency_ms: 2000
  session_timeout_ms: 1800000
  wake_phrases: ["hey vocalis"]
  interrupt_phrases: ["stop", "cancel"]
  wake_sensitivity: 0.8
  wake_debounce_ms: 1500
  voice:
    id: rachel
    stability: 0.5
    similarity_boost: 0.75
  verify:
    enabled: true
    mode: rule
    threshold: 0.6
  retry:
    max_attempts: 3
    initial_backoff_ms: 200
  breaker:
    max_failures: 5
    reset_timeout_ms: 30000
  limits:
    llm:
      calls_per_second: 10
      burst: 5
memory:
  postgres_dsn: "postgres://localhost/vocalis"
  embedding_dimensions: 1536
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm model = %q, want gpt-4o-mini", cfg.Providers.LLM.Model)
	}
	if len(cfg.Pipeline.WakePhrases) != 1 || cfg.Pipeline.WakePhrases[0] != "hey vocalis" {
		t.Errorf("wake_phrases = %v", cfg.Pipeline.WakePhrases)
	}
	if cfg.Pipeline.Verify.Mode != config.VerifyRule {
		t.Errorf("verify mode = %q, want rule", cfg.Pipeline.Verify.Mode)
	}
	if cfg.Pipeline.Limits.LLM.CallsPerSecond != 10 {
		t.Errorf("llm calls_per_second = %v, want 10", cfg.Pipeline.Limits.LLM.CallsPerSecond)
	}
	if cfg.Memory.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions = %d, want 1536", cfg.Memory.EmbeddingDimensions)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
  bogus_field: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidVerifyMode(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  verify:
    mode: oracle
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid verify mode, got nil")
	}
	if !strings.Contains(err.Error(), "verify.mode") {
		t.Errorf("error should mention verify.mode, got: %v", err)
	}
}

func TestValidate_LLMVerifyRequiresLLMProvider(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  verify:
    enabled: true
    mode: llm
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for llm verify mode without LLM provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm") {
		t.Errorf("error should mention providers.llm, got: %v", err)
	}
}

func TestValidate_SensitivityOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  wake_sensitivity: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range sensitivity, got nil")
	}
	if !strings.Contains(err.Error(), "wake_sensitivity") {
		t.Errorf("error should mention wake_sensitivity, got: %v", err)
	}
}

func TestValidate_EmptyWakePhrase(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  wake_phrases: ["hey vocalis", "  "]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for blank wake phrase, got nil")
	}
	if !strings.Contains(err.Error(), "wake_phrases[1]") {
		t.Errorf("error should name the blank phrase index, got: %v", err)
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
pipeline:
  temperature: 3.0
  wake_sensitivity: -0.1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "temperature", "wake_sensitivity"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_MinimalConfigIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
