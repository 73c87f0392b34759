// Package pipeline implements the dialogue turn engine.
//
// The engine ties the capability ports together: audio closed by the intake
// gate is transcribed, run through the wake gate, answered by a streaming
// generation whose sentences are synthesized as they complete, verified
// against the context snapshot, and finalized back to idle. Every observable
// step is published on the session's event stream.
//
// Turns within a session are serialized; sessions run independently. An
// interrupt — spoken phrase or transport control — cancels the active turn's
// context and supersedes its response ID, so late tokens and audio chunks are
// dropped silently at the point of emission.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vocalis-ai/vocalis/internal/contextcache"
	"github.com/vocalis-ai/vocalis/internal/convo"
	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/intake"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/resilience"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/verify"
	"github.com/vocalis-ai/vocalis/internal/wake"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// RateConfig bounds outbound calls to one provider. Zero CallsPerSecond
// means unlimited.
type RateConfig struct {
	CallsPerSecond float64
	Burst          int
}

// Config carries the engine's tunables. Zero values select the defaults
// listed on each field.
type Config struct {
	// SystemPrompt is injected ahead of the conversation on every
	// generation.
	SystemPrompt string

	// Voice selects the synthesis voice for all sessions.
	Voice tts.VoiceProfile

	// SampleRate and Channels fix the inbound audio edge. Defaults: 16000,
	// 1.
	SampleRate int
	Channels   int

	// STTTimeout bounds a single transcription attempt. Default: 30s.
	STTTimeout time.Duration

	// LLMTimeout bounds a full generation, stream included. Default: 60s.
	LLMTimeout time.Duration

	// TTSTimeout bounds a single sentence synthesis attempt. Default: 30s.
	TTSTimeout time.Duration

	// MaxLatency is the end-to-end turn duration above which a warning is
	// logged. Zero disables the check.
	MaxLatency time.Duration

	// HistoryWindow is the number of recent messages included in the
	// generation prompt and the verification snapshot. Default: 20.
	HistoryWindow int

	// Temperature and MaxTokens are passed through to the generator.
	Temperature float64
	MaxTokens   int

	// VerifyEnabled turns on claim verification of each reply.
	VerifyEnabled bool

	// Retry governs provider call retries.
	Retry resilience.RetryConfig

	// Breaker is the template for the per-provider circuit breakers; Name
	// is overridden per provider.
	Breaker resilience.BreakerConfig

	// Per-provider rate limits.
	STTLimit RateConfig
	LLMLimit RateConfig
	TTSLimit RateConfig
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 30 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 30 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	return c
}

// Deps are the collaborators the engine orchestrates. All fields except
// Verifier, Metrics and Log are required.
type Deps struct {
	Log      *slog.Logger
	Sessions *session.Store
	Convos   *convo.Log
	Events   *events.Mux
	Detector *wake.Detector
	Verifier *verify.Engine
	Cache    *contextcache.Cache
	Gate     *intake.Gate
	STT      stt.Provider
	LLM      llm.Provider
	TTS      tts.Provider
	Metrics  *observe.Metrics
}

// Engine runs dialogue turns. Safe for concurrent use across sessions.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	sessions *session.Store
	convs    *convo.Log
	mux      *events.Mux
	detector *wake.Detector
	verifier *verify.Engine
	cache    *contextcache.Cache
	gate     *intake.Gate
	stt      stt.Provider
	llm      llm.Provider
	tts      tts.Provider
	metrics  *observe.Metrics

	sttBreaker *resilience.Breaker
	llmBreaker *resilience.Breaker
	ttsBreaker *resilience.Breaker
	sttLimit   *resilience.Limiter
	llmLimit   *resilience.Limiter
	ttsLimit   *resilience.Limiter

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New assembles an Engine from cfg and deps.
func New(cfg Config, d Deps) *Engine {
	cfg = cfg.withDefaults()
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	breaker := func(name string) *resilience.Breaker {
		bc := cfg.Breaker
		bc.Name = name
		return resilience.NewBreaker(bc)
	}

	return &Engine{
		cfg:      cfg,
		log:      log,
		sessions: d.Sessions,
		convs:    d.Convos,
		mux:      d.Events,
		detector: d.Detector,
		verifier: d.Verifier,
		cache:    d.Cache,
		gate:     d.Gate,
		stt:      d.STT,
		llm:      d.LLM,
		tts:      d.TTS,
		metrics:  metrics,

		sttBreaker: breaker("stt"),
		llmBreaker: breaker("llm"),
		ttsBreaker: breaker("tts"),
		sttLimit:   resilience.NewLimiter("stt", cfg.STTLimit.CallsPerSecond, cfg.STTLimit.Burst),
		llmLimit:   resilience.NewLimiter("llm", cfg.LLMLimit.CallsPerSecond, cfg.LLMLimit.Burst),
		ttsLimit:   resilience.NewLimiter("tts", cfg.TTSLimit.CallsPerSecond, cfg.TTSLimit.Burst),

		locks:   make(map[string]*sync.Mutex),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Attach creates a new session and its conversation. The caller should
// subscribe to the event stream before calling AnnounceCreated.
func (e *Engine) Attach(userID string) session.Snapshot {
	snap := e.sessions.Create(userID)
	e.convs.Create(snap.ConversationID, userID)
	e.metrics.ActiveSessions.Add(context.Background(), 1)
	return snap
}

// AnnounceCreated publishes the session.created event. Separate from Attach
// so the transport can subscribe first and not miss it.
func (e *Engine) AnnounceCreated(sessionID string) {
	snap, err := e.sessions.Get(sessionID)
	if err != nil {
		return
	}
	e.mux.Publish(sessionID, events.KindSessionCreated, events.SessionCreatedData{
		SessionID:      snap.ID,
		ConversationID: snap.ConversationID,
	})
}

// Subscribe attaches a consumer to the session's event stream.
func (e *Engine) Subscribe(sessionID string, buffer int) (<-chan events.Event, func()) {
	return e.mux.Subscribe(sessionID, buffer)
}

// Detach tears the session down: the active turn is cancelled, buffers and
// wake state dropped, and session.ended published before subscribers are
// detached.
func (e *Engine) Detach(sessionID string) {
	if _, err := e.sessions.Get(sessionID); err != nil {
		return
	}
	e.cancelTurn(sessionID)
	e.sessions.End(sessionID)
	e.gate.Clear(sessionID)
	e.detector.Forget(sessionID)
	e.dropTurnLock(sessionID)
	e.mux.Publish(sessionID, events.KindSessionEnded, nil)
	e.mux.Drop(sessionID)
	e.metrics.ActiveSessions.Add(context.Background(), -1)
	e.log.Info("session detached", "session_id", sessionID)
}

// OnAudioChunk feeds one raw PCM frame into the intake gate.
func (e *Engine) OnAudioChunk(sessionID string, frame []byte) error {
	if err := e.gate.OnAudioChunk(sessionID, frame); err != nil {
		return err
	}
	e.mux.Publish(sessionID, events.KindAudioChunk, events.AudioChunkData{
		Size:       len(frame),
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
	})
	return nil
}

// OnAudioEnd closes the current utterance. A qualifying utterance starts a
// turn (or an interrupt probe) on its own goroutine; the call returns
// immediately so the transport keeps reading control messages.
func (e *Engine) OnAudioEnd(ctx context.Context, sessionID string) error {
	e.mux.Publish(sessionID, events.KindAudioEnd, nil)
	wav, kind, err := e.gate.OnAudioEnd(sessionID)
	if err != nil {
		return err
	}
	switch kind {
	case intake.UtteranceTurn, intake.UtteranceResume:
		e.spawn(func() { e.runTurn(ctx, sessionID, wav, "") })
	case intake.UtteranceProbe:
		e.spawn(func() { e.runProbe(ctx, sessionID, wav) })
	}
	return nil
}

// OnTranscript injects a client-side transcript, bypassing transcription.
// Partial transcripts are echoed as transcript.partial events; a final
// transcript starts a turn as if it had been transcribed from audio.
func (e *Engine) OnTranscript(ctx context.Context, sessionID, text string, isFinal bool) error {
	snap, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if !isFinal {
		e.mux.Publish(sessionID, events.KindTranscriptPartial, events.TranscriptData{Text: text})
		return nil
	}

	switch snap.State {
	case session.StateProcessing, session.StateSpeaking:
		// Mid-turn transcripts only ever matter as interrupts.
		if e.detector.Detect(sessionID, text).Kind == wake.KindInterrupt {
			e.Interrupt(sessionID, "user", "transcript")
		}
		return nil
	case session.StateInterrupted:
		e.spawn(func() { e.runTurn(ctx, sessionID, nil, text) })
		return nil
	case session.StateIdle:
		if err := e.sessions.Transition(sessionID, session.StateListening); err != nil {
			return err
		}
	}
	// A final transcript supersedes any partially buffered audio.
	e.gate.Clear(sessionID)
	if err := e.sessions.Transition(sessionID, session.StateProcessing); err != nil {
		return err
	}
	e.spawn(func() { e.runTurn(ctx, sessionID, nil, text) })
	return nil
}

// Interrupt cancels the active turn. Only processing and speaking sessions
// can be interrupted; anything else is a no-op returning false. Origin is
// "control" for transport-initiated interrupts and "transcript" for spoken
// ones.
func (e *Engine) Interrupt(sessionID, reason, origin string) bool {
	prior, ok, err := e.sessions.Interrupt(sessionID)
	if err != nil || !ok {
		return false
	}
	e.cancelTurn(sessionID)
	e.gate.Clear(sessionID)

	if prior == session.StateSpeaking {
		e.mux.Publish(sessionID, events.KindSynthesisStop, nil)
	}
	e.mux.Publish(sessionID, events.KindSessionInterrupted, events.InterruptData{Reason: reason})
	e.metrics.Interrupts.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("origin", origin)))
	e.log.Info("session interrupted",
		"session_id", sessionID, "reason", reason, "origin", origin)
	return true
}

// RunReaper ends sessions idle longer than timeout, checking every interval.
// Blocks until ctx is cancelled.
func (e *Engine) RunReaper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range e.sessions.Reap(timeout) {
				e.cancelTurn(id)
				e.gate.Clear(id)
				e.detector.Forget(id)
				e.dropTurnLock(id)
				e.mux.Publish(id, events.KindSessionEnded, nil)
				e.mux.Drop(id)
				e.metrics.ActiveSessions.Add(ctx, -1)
				e.log.Info("session reaped", "session_id", id)
			}
		}
	}
}

// Close waits for in-flight turns to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}

// runProbe transcribes mid-turn audio and applies only the interrupt scan.
// The text is never used as input and probe failures never surface.
func (e *Engine) runProbe(ctx context.Context, sessionID string, wav []byte) {
	text, err := e.transcribe(ctx, wav)
	if err != nil {
		e.log.Debug("probe transcription failed", "session_id", sessionID, "error", err)
		return
	}
	if text == "" {
		return
	}
	if e.detector.Detect(sessionID, text).Kind == wake.KindInterrupt {
		e.Interrupt(sessionID, "user", "transcript")
	}
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) turnLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// dropTurnLock releases the per-session turn lock entry on teardown. A turn
// already holding the mutex keeps its pointer; at worst a late straggler
// re-creates the entry and exits on the missing session.
func (e *Engine) dropTurnLock(sessionID string) {
	e.mu.Lock()
	delete(e.locks, sessionID)
	e.mu.Unlock()
}

func (e *Engine) setCancel(sessionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[sessionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearCancel(sessionID string) {
	e.mu.Lock()
	delete(e.cancels, sessionID)
	e.mu.Unlock()
}

func (e *Engine) cancelTurn(sessionID string) {
	e.mu.Lock()
	cancel := e.cancels[sessionID]
	delete(e.cancels, sessionID)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
