// Package intake buffers raw audio frames per session until the transport
// signals end-of-utterance, then gates what reaches transcription.
//
// Frames are raw PCM at the configured edge format (default 16 kHz mono
// 16-bit little-endian). Utterances shorter than the configured minimum are
// discarded silently; qualifying buffers are wrapped in a WAV container for
// the transcription port.
//
// Buffering depends on the session state. Idle and listening sessions fill
// the main utterance buffer. Interrupted sessions also fill the main buffer:
// the next utterance is how the user wakes the session back up. Processing
// and speaking sessions fill a separate probe buffer — that audio never
// becomes a turn, but it is transcribed so a spoken interrupt phrase can cut
// the reply short.
package intake

import (
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/pkg/audio"
)

// UtteranceKind tells the pipeline what a closed utterance is for.
type UtteranceKind int

const (
	// UtteranceNone means nothing qualified: the buffer was too short or
	// the session was not collecting.
	UtteranceNone UtteranceKind = iota
	// UtteranceTurn starts a regular turn; the session has moved to
	// processing.
	UtteranceTurn
	// UtteranceResume is an utterance from an interrupted session. The
	// session stays interrupted until the wake gate decides whether the
	// transcript resumes it.
	UtteranceResume
	// UtteranceProbe is mid-turn audio. Only the interrupt scan runs on its
	// transcript; it never becomes user input.
	UtteranceProbe
)

// Config fixes the edge audio format and the gating minimum.
type Config struct {
	SampleRate int
	Channels   int
	// MinUtteranceBytes gates out accidental taps and noise. Zero selects
	// the equivalent of half a second at the configured format.
	MinUtteranceBytes int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.MinUtteranceBytes <= 0 {
		c.MinUtteranceBytes = audio.MinUtteranceBytes(500*time.Millisecond, c.SampleRate, c.Channels)
	}
	return c
}

// Gate accumulates per-session audio and applies the minimum-length gate.
// All methods are safe for concurrent use.
type Gate struct {
	cfg      Config
	sessions *session.Store

	mu     sync.Mutex
	main   map[string][]byte
	probes map[string][]byte
}

// NewGate creates a Gate over the given session store.
func NewGate(cfg Config, sessions *session.Store) *Gate {
	return &Gate{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		main:     make(map[string][]byte),
		probes:   make(map[string][]byte),
	}
}

// OnAudioChunk appends a frame to the buffer selected by the session state
// and bumps activity. An idle session transitions to listening on its first
// frame.
func (g *Gate) OnAudioChunk(sessionID string, frame []byte) error {
	snap, err := g.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	buf := g.main
	switch snap.State {
	case session.StateIdle:
		if err := g.sessions.Transition(sessionID, session.StateListening); err != nil {
			return err
		}
	case session.StateListening, session.StateInterrupted:
		if err := g.sessions.Touch(sessionID); err != nil {
			return err
		}
	default: // processing, speaking
		if err := g.sessions.Touch(sessionID); err != nil {
			return err
		}
		buf = g.probes
	}

	g.mu.Lock()
	buf[sessionID] = append(buf[sessionID], frame...)
	g.mu.Unlock()
	return nil
}

// OnAudioEnd closes the utterance for the session's current buffer. Buffers
// below the minimum are discarded; a discarded listening buffer returns the
// session to idle. Qualifying buffers come back WAV-wrapped together with
// the kind that tells the pipeline how to treat them.
func (g *Gate) OnAudioEnd(sessionID string) (wav []byte, kind UtteranceKind, err error) {
	snap, err := g.sessions.Get(sessionID)
	if err != nil {
		return nil, UtteranceNone, err
	}

	switch snap.State {
	case session.StateListening:
		buf := g.take(g.main, sessionID)
		if len(buf) < g.cfg.MinUtteranceBytes {
			if err := g.sessions.Transition(sessionID, session.StateIdle); err != nil {
				return nil, UtteranceNone, err
			}
			return nil, UtteranceNone, nil
		}
		if err := g.sessions.Transition(sessionID, session.StateProcessing); err != nil {
			return nil, UtteranceNone, err
		}
		return g.wrap(buf), UtteranceTurn, nil

	case session.StateInterrupted:
		buf := g.take(g.main, sessionID)
		if len(buf) < g.cfg.MinUtteranceBytes {
			return nil, UtteranceNone, nil
		}
		return g.wrap(buf), UtteranceResume, nil

	case session.StateProcessing, session.StateSpeaking:
		buf := g.take(g.probes, sessionID)
		if len(buf) < g.cfg.MinUtteranceBytes {
			return nil, UtteranceNone, nil
		}
		return g.wrap(buf), UtteranceProbe, nil

	default: // idle, nothing buffered
		return nil, UtteranceNone, nil
	}
}

func (g *Gate) take(m map[string][]byte, sessionID string) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := m[sessionID]
	delete(m, sessionID)
	return buf
}

func (g *Gate) wrap(pcm []byte) []byte {
	return audio.EncodeWAV(pcm, g.cfg.SampleRate, g.cfg.Channels)
}

// Clear drops all buffered audio for the session. Called on interrupt and on
// session teardown.
func (g *Gate) Clear(sessionID string) {
	g.mu.Lock()
	delete(g.main, sessionID)
	delete(g.probes, sessionID)
	g.mu.Unlock()
}

// Buffered returns the number of bytes in the session's main buffer.
func (g *Gate) Buffered(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.main[sessionID])
}

// ProbeBuffered returns the number of bytes in the session's probe buffer.
func (g *Gate) ProbeBuffered(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.probes[sessionID])
}
