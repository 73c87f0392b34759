// Command vocalis is the main entry point for the Vocalis voice dialogue server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/contextcache"
	"github.com/vocalis-ai/vocalis/internal/convo"
	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/health"
	"github.com/vocalis-ai/vocalis/internal/intake"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/pipeline"
	"github.com/vocalis-ai/vocalis/internal/resilience"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/transport/ws"
	"github.com/vocalis-ai/vocalis/internal/verify"
	"github.com/vocalis-ai/vocalis/internal/wake"
	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/memory/postgres"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
	oaembed "github.com/vocalis-ai/vocalis/pkg/provider/embeddings/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm/anyllm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt/whisper"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts/elevenlabs"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vocalis",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		slog.Error("vocalis needs stt, llm and tts providers to run a voice pipeline",
			"stt", cfg.Providers.STT.Name,
			"llm", cfg.Providers.LLM.Name,
			"tts", cfg.Providers.TTS.Name,
		)
		return 1
	}

	// ── Durable memory (optional) ─────────────────────────────────────────────
	var (
		pg        *postgres.Store
		convoOpts []convo.Option
		checkers  []health.Checker
	)
	if cfg.Memory.PostgresDSN != "" {
		dims := cfg.Memory.EmbeddingDimensions
		if dims <= 0 {
			dims = 1536
		}
		pg, err = postgres.NewStore(ctx, cfg.Memory.PostgresDSN, dims)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		checkers = append(checkers, health.Checker{Name: "postgres", Check: pg.Ping})
		if providers.Embeddings != nil {
			convoOpts = append(convoOpts, convo.WithWriteThrough(pg, providers.Embeddings))
			slog.Info("conversation write-through enabled", "embedding_dimensions", dims)
		} else {
			slog.Warn("postgres configured without embeddings provider; transcripts will not be searchable")
		}
	}

	// ── Pipeline assembly ─────────────────────────────────────────────────────
	p := cfg.Pipeline

	wakePhrases := p.WakePhrases
	if len(wakePhrases) == 0 {
		wakePhrases = []string{"hey vocalis"}
	}
	interruptPhrases := p.InterruptPhrases
	if len(interruptPhrases) == 0 {
		interruptPhrases = []string{"stop", "cancel"}
	}
	var wakeOpts []wake.Option
	if p.WakeSensitivity > 0 {
		wakeOpts = append(wakeOpts, wake.WithSensitivity(p.WakeSensitivity))
	}
	if p.WakeDebounceMs > 0 {
		wakeOpts = append(wakeOpts, wake.WithDebounce(msDur(p.WakeDebounceMs)))
	}

	var verifyOpts []verify.Option
	if p.Verify.Threshold > 0 {
		verifyOpts = append(verifyOpts, verify.WithThreshold(p.Verify.Threshold))
	}
	if p.Verify.Mode == config.VerifyLLM {
		verifyOpts = append(verifyOpts, verify.WithLLM(providers.LLM))
	}

	sessions := session.NewStore(logger)
	convs := convo.NewLog(logger, convoOpts...)
	gate := intake.NewGate(intake.Config{
		SampleRate:        p.SampleRate,
		Channels:          p.Channels,
		MinUtteranceBytes: minUtteranceBytes(p),
	}, sessions)

	engine := pipeline.New(
		pipeline.Config{
			SystemPrompt:  p.SystemPrompt,
			Voice:         tts.VoiceProfile{ID: p.Voice.ID, Name: p.Voice.Name, Stability: p.Voice.Stability, SimilarityBoost: p.Voice.SimilarityBoost},
			SampleRate:    p.SampleRate,
			Channels:      p.Channels,
			STTTimeout:    msDur(p.STTTimeoutMs),
			LLMTimeout:    msDur(p.LLMTimeoutMs),
			TTSTimeout:    msDur(p.TTSTimeoutMs),
			MaxLatency:    msDur(p.MaxLatencyMs),
			HistoryWindow: p.HistoryWindow,
			Temperature:   p.Temperature,
			MaxTokens:     p.MaxTokens,
			VerifyEnabled: p.Verify.Enabled,
			Retry: resilience.RetryConfig{
				MaxAttempts:    p.Retry.MaxAttempts,
				InitialBackoff: msDur(p.Retry.InitialBackoffMs),
				MaxBackoff:     msDur(p.Retry.MaxBackoffMs),
			},
			Breaker: resilience.BreakerConfig{
				MaxFailures:  p.Breaker.MaxFailures,
				ResetTimeout: msDur(p.Breaker.ResetTimeoutMs),
			},
			STTLimit: pipeline.RateConfig{CallsPerSecond: p.Limits.STT.CallsPerSecond, Burst: p.Limits.STT.Burst},
			LLMLimit: pipeline.RateConfig{CallsPerSecond: p.Limits.LLM.CallsPerSecond, Burst: p.Limits.LLM.Burst},
			TTSLimit: pipeline.RateConfig{CallsPerSecond: p.Limits.TTS.CallsPerSecond, Burst: p.Limits.TTS.Burst},
		},
		pipeline.Deps{
			Log:      logger,
			Sessions: sessions,
			Convos:   convs,
			Events:   events.NewMux(),
			Detector: wake.New(wakePhrases, interruptPhrases, wakeOpts...),
			Verifier: verify.New(logger, verifyOpts...),
			Cache:    contextcache.New(),
			Gate:     gate,
			STT:      providers.STT,
			LLM:      providers.LLM,
			TTS:      providers.TTS,
			Metrics:  metrics,
		})

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	ws.NewServer(ws.Config{OriginPatterns: cfg.Server.OriginPatterns}, engine, logger).Register(mux)
	health.New(checkers, health.WithSessionCount(sessions.Len)).Register(mux)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mmux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, listenAddr)

	reapInterval := msDur(p.ReapIntervalMs)
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}
	sessionTimeout := msDur(p.SessionTimeoutMs)
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("websocket server listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		engine.RunReaper(gctx, reapInterval, sessionTimeout)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	engine.Close()
	convs.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := shutdownOtel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the concrete providers the pipeline runs on.
type providerSet struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config) (*providerSet, error) {
	ps := &providerSet{}

	if entry := cfg.Providers.STT; entry.Name != "" {
		switch entry.Name {
		case "whisper":
			var opts []whisper.Option
			if entry.Model != "" {
				opts = append(opts, whisper.WithModel(entry.Model))
			}
			if lang := optString(entry.Options, "language"); lang != "" {
				opts = append(opts, whisper.WithLanguage(lang))
			}
			p, err := whisper.New(entry.BaseURL, opts...)
			if err != nil {
				return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
			}
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", entry.Name)
		default:
			slog.Warn("unsupported stt provider — skipping", "name", entry.Name)
		}
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New(entry.Name, entry.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		switch entry.Name {
		case "elevenlabs":
			var opts []elevenlabs.Option
			if entry.Model != "" {
				opts = append(opts, elevenlabs.WithModel(entry.Model))
			}
			if format := optString(entry.Options, "output_format"); format != "" {
				opts = append(opts, elevenlabs.WithOutputFormat(format))
			}
			p, err := elevenlabs.New(entry.APIKey, opts...)
			if err != nil {
				return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
			}
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", entry.Name)
		default:
			slog.Warn("unsupported tts provider — skipping", "name", entry.Name)
		}
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		switch entry.Name {
		case "openai":
			var opts []oaembed.Option
			if entry.BaseURL != "" {
				opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
			}
			p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
			if err != nil {
				return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
			}
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", entry.Name)
		default:
			slog.Warn("unsupported embeddings provider — skipping", "name", entry.Name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Vocalis — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Memory.PostgresDSN != "" {
		fmt.Printf("║  Memory          : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Memory          : %-19s ║\n", "in-memory")
	}
	if cfg.Pipeline.Verify.Enabled {
		mode := cfg.Pipeline.Verify.Mode
		if mode == "" {
			mode = config.VerifyRule
		}
		fmt.Printf("║  Verification    : %-19s ║\n", string(mode))
	} else {
		fmt.Printf("║  Verification    : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr)
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Metrics addr    : %-19s ║\n", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// minUtteranceBytes derives the intake gate threshold from the configured
// minimum utterance duration and audio format.
func minUtteranceBytes(p config.PipelineConfig) int {
	if p.MinUtteranceMs <= 0 {
		return 0
	}
	rate := p.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := p.Channels
	if channels <= 0 {
		channels = 1
	}
	return audio.MinUtteranceBytes(msDur(p.MinUtteranceMs), rate, channels)
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
