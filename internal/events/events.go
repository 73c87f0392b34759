// Package events implements the per-session event stream.
//
// Every observable pipeline action is published as an [Event] carrying a
// per-session monotone sequence number. Delivery to each subscriber is
// in-order and lossless: Publish blocks until every subscriber has accepted
// the event, which propagates back-pressure from a slow consumer into the
// pipeline instead of dropping events.
package events

import (
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Event kinds emitted by the pipeline.
const (
	KindAudioChunk         = "audio.chunk"
	KindAudioEnd           = "audio.end"
	KindTranscriptPartial  = "transcript.partial"
	KindTranscriptFinal    = "transcript.final"
	KindGenerationStart    = "generation.start"
	KindGenerationChunk    = "generation.chunk"
	KindGenerationEnd      = "generation.end"
	KindSynthesisStart     = "synthesis.start"
	KindSynthesisChunk     = "synthesis.chunk"
	KindSynthesisEnd       = "synthesis.end"
	KindSynthesisStop      = "synthesis.stop"
	KindSessionCreated     = "session.created"
	KindSessionInterrupted = "session.interrupted"
	KindSessionEnded       = "session.ended"
	KindError              = "error"
)

// Event is one entry in a session's ordered event stream.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Time      time.Time `json:"time"`
	// Data carries the kind-specific payload. It must be JSON-marshalable
	// for transports that serialize events.
	Data any `json:"data,omitempty"`
}

// ErrorData is the payload of [KindError] events.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Recoverable errors leave the session idle; non-recoverable ones
	// terminate it.
	Recoverable bool `json:"recoverable"`
}

// TranscriptData is the payload of transcript events.
type TranscriptData struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// GenerationChunkData is the payload of [KindGenerationChunk] events.
type GenerationChunkData struct {
	Token string `json:"token"`
}

// VerificationData summarizes the verification verdict inside
// [GenerationEndData].
type VerificationData struct {
	Verified   bool             `json:"verified"`
	Confidence float64          `json:"confidence"`
	Citations  []types.Citation `json:"citations,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// GenerationEndData is the payload of [KindGenerationEnd] events.
type GenerationEndData struct {
	Text         string            `json:"text"`
	Verification *VerificationData `json:"verification,omitempty"`
}

// SynthesisChunkData is the payload of [KindSynthesisChunk] events. Audio is
// raw PCM, base64-encoded by encoding/json on the wire.
type SynthesisChunkData struct {
	Audio []byte `json:"audio"`
}

// AudioChunkData is the payload of [KindAudioChunk] events: frame metadata,
// not the audio itself.
type AudioChunkData struct {
	Size       int `json:"size"`
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// InterruptData is the payload of [KindSessionInterrupted] events.
type InterruptData struct {
	// Reason is one of "user", "timeout" or "error".
	Reason string `json:"reason"`
}

// SessionCreatedData is the payload of [KindSessionCreated] events.
type SessionCreatedData struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// Error codes used in [ErrorData].
const (
	CodeTranscriptionFailed     = "transcription_failed"
	CodeGenerationFailed        = "generation_failed"
	CodeSynthesisFailed         = "synthesis_failed"
	CodeVerificationUnavailable = "verification_unavailable"
	CodeCircuitOpen             = "upstream_circuit_open"
	CodeTimeout                 = "timeout"
	CodeSessionNotFound         = "session_not_found"
)

type subscriber struct {
	ch        chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// detach stops delivery to the subscriber. Safe to call more than once,
// from both the subscriber's cancel func and [Mux.Drop].
func (s *subscriber) detach() {
	s.closeOnce.Do(func() { close(s.closed) })
}

type stream struct {
	// sendMu serializes Publish end to end: sequence assignment and channel
	// delivery happen under it, so subscribers observe events in sequence
	// order even when publishers race. Never held while taking mu from the
	// other direction.
	sendMu sync.Mutex

	mu   sync.Mutex
	seq  uint64
	subs []*subscriber
}

// Mux routes events to per-session subscribers. The zero value is not
// usable; create one with [NewMux]. All methods are safe for concurrent use;
// concurrent Publish calls for the same session are serialized internally so
// each subscriber observes events in sequence order.
type Mux struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{streams: make(map[string]*stream)}
}

func (m *Mux) stream(sessionID string) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[sessionID]
	if !ok {
		st = &stream{}
		m.streams[sessionID] = st
	}
	return st
}

// Subscribe registers a consumer for one session's events and returns the
// receive channel plus a cancel function. After cancel no further events
// arrive; the channel itself stays open (publishers may be mid-send), so
// consumers must select on their own done signal rather than ranging until
// close. Events published before Subscribe are not replayed.
func (m *Mux) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	st := m.stream(sessionID)

	sub := &subscriber{
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}

	st.mu.Lock()
	st.subs = append(st.subs, sub)
	st.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.detach()
			st.mu.Lock()
			for i, s := range st.subs {
				if s == sub {
					st.subs = append(st.subs[:i], st.subs[i+1:]...)
					break
				}
			}
			st.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish assigns the next sequence number for the session and delivers the
// event to every subscriber, blocking until each has accepted it or
// unsubscribed. The stamped event is returned.
func (m *Mux) Publish(sessionID, kind string, data any) Event {
	st := m.stream(sessionID)

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	st.mu.Lock()
	st.seq++
	ev := Event{
		SessionID: sessionID,
		Seq:       st.seq,
		Kind:      kind,
		Time:      time.Now(),
		Data:      data,
	}
	subs := make([]*subscriber, len(st.subs))
	copy(subs, st.subs)
	st.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.closed:
		}
	}
	return ev
}

// Drop removes a session's stream and detaches all remaining subscribers.
// Called on session teardown.
func (m *Mux) Drop(sessionID string) {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	delete(m.streams, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	subs := st.subs
	st.subs = nil
	st.mu.Unlock()

	for _, sub := range subs {
		sub.detach()
	}
}
