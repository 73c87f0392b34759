package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/resilience"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/verify"
	"github.com/vocalis-ai/vocalis/internal/wake"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// sentenceRe matches one complete sentence at the head of the pending token
// buffer, swallowing the whitespace that follows it.
var sentenceRe = regexp.MustCompile(`^(.*?[.!?\n])\s*`)

// errObsolete marks audio that belongs to a superseded response. It is
// dropped silently, never surfaced as a synthesis failure.
var errObsolete = errors.New("response superseded")

// permanentError stops Retry from re-running a call whose side effects have
// already escaped, such as a synthesis that emitted audio before failing.
type permanentError struct{ err error }

func (p *permanentError) Error() string   { return p.err.Error() }
func (p *permanentError) Temporary() bool { return false }
func (p *permanentError) Unwrap() error   { return p.err }

// runTurn drives one full dialogue turn. Exactly one of wav or transcript is
// set: wav goes through transcription, transcript bypasses it. Turns within
// a session are serialized on the session's turn lock.
func (e *Engine) runTurn(ctx context.Context, sessionID string, wav []byte, transcript string) {
	lock := e.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := observe.StartSpan(ctx, "turn")
	defer span.End()
	span.SetAttributes(observe.Attr("session_id", sessionID))
	log := observe.Logger(ctx, e.log)

	start := time.Now()
	outcome := "completed"
	defer func() {
		elapsed := time.Since(start)
		span.SetAttributes(observe.Attr("outcome", outcome))
		e.metrics.RecordTurn(ctx, outcome, elapsed.Seconds())
		if e.cfg.MaxLatency > 0 && elapsed > e.cfg.MaxLatency {
			log.Warn("slow turn",
				"session_id", sessionID, "outcome", outcome, "duration", elapsed)
		}
	}()

	snap, err := e.sessions.Get(sessionID)
	if err != nil {
		outcome = "error"
		return
	}

	text := transcript
	if text == "" {
		sttStart := time.Now()
		text, err = e.transcribe(ctx, wav)
		e.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
		if err != nil {
			e.metrics.RecordProviderError(ctx, "stt")
			e.failTurn(ctx, sessionID, events.CodeTranscriptionFailed, err)
			outcome = "error"
			return
		}
		e.metrics.RecordProviderRequest(ctx, "stt", "ok")
	}
	if text == "" {
		e.toIdle(sessionID)
		outcome = "dropped"
		return
	}

	input, ok := e.wakeGate(sessionID, text)
	if !ok {
		outcome = "dropped"
		return
	}

	e.mux.Publish(sessionID, events.KindTranscriptFinal, events.TranscriptData{Text: text, IsFinal: true})
	e.convs.Append(snap.ConversationID, types.RoleUser, input, nil)

	responseID, err := e.sessions.BeginResponse(sessionID)
	if err != nil {
		outcome = "error"
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setCancel(sessionID, cancel)
	defer e.clearCancel(sessionID)

	e.mux.Publish(sessionID, events.KindGenerationStart, nil)

	genCtx, genCancel := context.WithTimeout(turnCtx, e.cfg.LLMTimeout)
	defer genCancel()
	genStart := time.Now()

	var stream <-chan llm.Chunk
	err = resilience.Retry(genCtx, e.cfg.Retry, func() error {
		if err := e.llmLimit.Wait(genCtx); err != nil {
			return err
		}
		return e.llmBreaker.Do(genCtx, func() error {
			s, err := e.llm.StreamCompletion(genCtx, e.buildRequest(snap.ConversationID))
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
	})
	if err != nil {
		e.metrics.RecordProviderError(ctx, "llm")
		e.failTurn(ctx, sessionID, events.CodeGenerationFailed, err)
		outcome = "error"
		return
	}

	var full strings.Builder
	pending := ""
	synthStarted := false
	for chunk := range stream {
		if !e.sessions.ResponseLive(sessionID, responseID) {
			genCancel()
			for range stream {
			}
			outcome = "interrupted"
			return
		}
		if chunk.FinishReason == "error" {
			genCancel()
			for range stream {
			}
			e.metrics.RecordProviderError(ctx, "llm")
			e.failTurn(ctx, sessionID, events.CodeGenerationFailed, errors.New(chunk.Text))
			outcome = "error"
			return
		}
		if chunk.Text == "" {
			continue
		}

		full.WriteString(chunk.Text)
		pending += chunk.Text
		e.mux.Publish(sessionID, events.KindGenerationChunk, events.GenerationChunkData{Token: chunk.Text})

		for {
			m := sentenceRe.FindStringSubmatch(pending)
			if m == nil {
				break
			}
			pending = pending[len(m[0]):]
			if s := strings.TrimSpace(m[1]); s != "" {
				e.speak(turnCtx, sessionID, responseID, s, &synthStarted)
			}
		}
	}
	e.metrics.LLMDuration.Record(ctx, time.Since(genStart).Seconds())
	e.metrics.RecordProviderRequest(ctx, "llm", "ok")

	if tail := strings.TrimSpace(pending); tail != "" {
		e.speak(turnCtx, sessionID, responseID, tail, &synthStarted)
	}

	if !e.sessions.ResponseLive(sessionID, responseID) {
		outcome = "interrupted"
		return
	}

	reply := strings.TrimSpace(full.String())
	if reply == "" {
		e.mux.Publish(sessionID, events.KindGenerationEnd, events.GenerationEndData{})
		e.toIdle(sessionID)
		outcome = "dropped"
		return
	}

	finalText := reply
	var citations []types.Citation
	var verdict *events.VerificationData
	if e.cfg.VerifyEnabled && e.verifier != nil {
		vStart := time.Now()
		history := e.convs.Recent(snap.ConversationID, e.cfg.HistoryWindow)
		res := e.verifier.Verify(turnCtx, reply, e.cache.Snapshot(history))
		e.metrics.VerifyDuration.Record(ctx, time.Since(vStart).Seconds())
		e.metrics.RecordVerdict(ctx, res.Verified)
		if !res.Verified && res.Rewritten != "" {
			finalText = res.Rewritten
			// The disclaimer is part of the spoken reply too.
			e.speak(turnCtx, sessionID, responseID, strings.TrimSpace(verify.Disclaimer), &synthStarted)
		}
		citations = res.Citations
		verdict = &events.VerificationData{
			Verified:   res.Verified,
			Confidence: res.Confidence,
			Citations:  res.Citations,
			Warnings:   res.Warnings,
		}
	}

	// Verification may take a while; an interrupt landing during it
	// supersedes this response, so nothing of it may be committed.
	if !e.sessions.ResponseLive(sessionID, responseID) {
		outcome = "interrupted"
		return
	}

	e.convs.Append(snap.ConversationID, types.RoleAssistant, finalText, citations)
	e.mux.Publish(sessionID, events.KindGenerationEnd, events.GenerationEndData{Text: finalText, Verification: verdict})

	if synthStarted && e.sessions.ResponseLive(sessionID, responseID) {
		e.mux.Publish(sessionID, events.KindSynthesisEnd, nil)
	}
	e.toIdle(sessionID)
}

// wakeGate applies the wake/interrupt classification to a turn's transcript
// and returns the user input, or ok=false when the turn ends here.
func (e *Engine) wakeGate(sessionID, text string) (input string, ok bool) {
	det := e.detector.Detect(sessionID, text)
	snap, err := e.sessions.Get(sessionID)
	if err != nil {
		return "", false
	}

	if snap.State == session.StateInterrupted {
		// Only a wake phrase resumes an interrupted session.
		if det.Kind != wake.KindWake {
			return "", false
		}
		if det.Command == "" {
			e.mux.Publish(sessionID, events.KindTranscriptFinal, events.TranscriptData{Text: text, IsFinal: true})
			e.sessions.Transition(sessionID, session.StateListening)
			return "", false
		}
		if err := e.sessions.Transition(sessionID, session.StateProcessing); err != nil {
			return "", false
		}
		return det.Command, true
	}

	switch det.Kind {
	case wake.KindInterrupt:
		// An interrupt phrase with nothing running cancels nothing.
		e.toIdle(sessionID)
		return "", false
	case wake.KindWake:
		if det.Command == "" {
			e.mux.Publish(sessionID, events.KindTranscriptFinal, events.TranscriptData{Text: text, IsFinal: true})
			e.toIdle(sessionID)
			return "", false
		}
		return det.Command, true
	default:
		return text, true
	}
}

// speak synthesizes one sentence, moving the session to speaking and
// publishing synthesis.start on the first one.
func (e *Engine) speak(ctx context.Context, sessionID, responseID, sentence string, started *bool) {
	if !e.sessions.ResponseLive(sessionID, responseID) {
		return
	}
	if !*started {
		if err := e.sessions.Transition(sessionID, session.StateSpeaking); err != nil {
			return
		}
		e.mux.Publish(sessionID, events.KindSynthesisStart, nil)
		*started = true
	}
	e.synthesizeSentence(ctx, sessionID, responseID, sentence)
}

// synthesizeSentence runs one sentence through the synthesis port. A failure
// here never fails the turn: the error is published and the next sentence
// proceeds. Audio for a superseded response is dropped at the emit callback.
func (e *Engine) synthesizeSentence(ctx context.Context, sessionID, responseID, sentence string) {
	start := time.Now()
	emitted := false
	err := resilience.Retry(ctx, e.cfg.Retry, func() error {
		err := func() error {
			if err := e.ttsLimit.Wait(ctx); err != nil {
				return err
			}
			return e.ttsBreaker.Do(ctx, func() error {
				sctx, cancel := context.WithTimeout(ctx, e.cfg.TTSTimeout)
				defer cancel()
				return e.tts.Synthesize(sctx, sentence, e.cfg.Voice, func(chunk []byte) error {
					if !e.sessions.ResponseLive(sessionID, responseID) {
						return errObsolete
					}
					emitted = true
					e.mux.Publish(sessionID, events.KindSynthesisChunk, events.SynthesisChunkData{Audio: chunk})
					return nil
				})
			})
		}()
		// Once audio escaped, a retry would replay it; stop here.
		if err != nil && (emitted || errors.Is(err, errObsolete)) {
			return &permanentError{err}
		}
		return err
	})
	e.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case err == nil:
		e.metrics.RecordProviderRequest(ctx, "tts", "ok")
	case errors.Is(err, errObsolete), errors.Is(err, context.Canceled):
	default:
		e.metrics.RecordProviderError(ctx, "tts")
		e.log.Warn("sentence synthesis failed",
			"session_id", sessionID, "error", err)
		e.mux.Publish(sessionID, events.KindError, events.ErrorData{
			Code:        events.CodeSynthesisFailed,
			Message:     err.Error(),
			Recoverable: true,
		})
	}
}

// transcribe runs WAV audio through the transcription port behind the rate
// limiter, circuit breaker and retry policy.
func (e *Engine) transcribe(ctx context.Context, wav []byte) (string, error) {
	var text string
	err := resilience.Retry(ctx, e.cfg.Retry, func() error {
		if err := e.sttLimit.Wait(ctx); err != nil {
			return err
		}
		return e.sttBreaker.Do(ctx, func() error {
			tctx, cancel := context.WithTimeout(ctx, e.cfg.STTTimeout)
			defer cancel()
			t, err := e.stt.Transcribe(tctx, wav)
			if err != nil {
				return err
			}
			text = t
			return nil
		})
	})
	return strings.TrimSpace(text), err
}

// buildRequest assembles the generation request from the system prompt, the
// rendered context snapshot and the recent conversation.
func (e *Engine) buildRequest(conversationID string) llm.Request {
	history := e.convs.Recent(conversationID, e.cfg.HistoryWindow)
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Text})
	}
	return llm.Request{
		SystemPrompt: e.systemPrompt(),
		Messages:     msgs,
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
	}
}

func (e *Engine) systemPrompt() string {
	snap := e.cache.Snapshot(nil)
	if len(snap.APIData) == 0 && len(snap.KnowledgeBase) == 0 {
		return e.cfg.SystemPrompt
	}

	var b strings.Builder
	b.WriteString(e.cfg.SystemPrompt)
	if len(snap.APIData) > 0 {
		b.WriteString("\n\nCurrent data:\n")
		keys := make([]string, 0, len(snap.APIData))
		for k := range snap.APIData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			data, err := json.Marshal(snap.APIData[k])
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", k, data)
		}
	}
	if len(snap.KnowledgeBase) > 0 {
		b.WriteString("\nKnowledge base:\n")
		for _, entry := range snap.KnowledgeBase {
			fmt.Fprintf(&b, "- %s\n", entry)
		}
	}
	return b.String()
}

// failTurn publishes a recoverable error and returns the session to idle.
// Breaker and deadline failures get their own codes.
func (e *Engine) failTurn(ctx context.Context, sessionID, code string, err error) {
	switch {
	case errors.Is(err, resilience.ErrBreakerOpen):
		code = events.CodeCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		code = events.CodeTimeout
	}
	observe.Logger(ctx, e.log).Error("turn failed",
		"session_id", sessionID, "code", code, "error", err)
	e.mux.Publish(sessionID, events.KindError, events.ErrorData{
		Code:        code,
		Message:     err.Error(),
		Recoverable: true,
	})
	e.toIdle(sessionID)
}

// toIdle returns an active session to idle. Interrupted sessions stay
// interrupted: only a wake phrase moves them on.
func (e *Engine) toIdle(sessionID string) {
	snap, err := e.sessions.Get(sessionID)
	if err != nil {
		return
	}
	switch snap.State {
	case session.StateProcessing, session.StateSpeaking, session.StateListening:
		if err := e.sessions.Transition(sessionID, session.StateIdle); err != nil {
			e.log.Debug("idle transition refused", "session_id", sessionID, "error", err)
		}
	}
}
