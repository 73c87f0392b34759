// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to feed controlled audio chunks to the pipeline
// engine without a live synthesis backend.
package mock

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Call records a single invocation of Synthesize.
type Call struct {
	// Text is the sentence passed to Synthesize.
	Text string

	// Voice is the voice profile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider. By default each
// Synthesize call emits one chunk whose payload is the sentence text bytes,
// which lets tests correlate audio chunks with sentences.
type Provider struct {
	// Chunks, when non-nil, replaces the default single-chunk emission.
	Chunks [][]byte

	// Err, when non-nil, is returned before any chunk is emitted.
	Err error

	// BeforeEmit, when non-nil, runs before each chunk is offered to emit.
	// Used to interleave interrupts mid-synthesis in tests.
	BeforeEmit func()

	mu    sync.Mutex
	calls []Call
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile, emit func(chunk []byte) error) error {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Text: text, Voice: voice})
	chunks := p.Chunks
	err := p.Err
	before := p.BeforeEmit
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if chunks == nil {
		chunks = [][]byte{[]byte(text)}
	}

	for _, c := range chunks {
		if before != nil {
			before()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if emitErr := emit(c); emitErr != nil {
			return emitErr
		}
	}
	return nil
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
