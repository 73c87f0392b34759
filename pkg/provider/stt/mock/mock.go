// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts to the pipeline
// engine without a live transcription backend. All fields must be set before
// the provider is exercised; mutating them during concurrent calls is the
// caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Call records a single invocation of Transcribe.
type Call struct {
	// WAV is the payload passed to Transcribe.
	WAV []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	// Text is returned by Transcribe when Fn is nil.
	Text string

	// Err is returned by Transcribe when Fn is nil.
	Err error

	// Fn, when non-nil, replaces the canned Text/Err response entirely.
	Fn func(ctx context.Context, wav []byte) (string, error)

	mu    sync.Mutex
	calls []Call
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{WAV: wav})
	p.mu.Unlock()

	if p.Fn != nil {
		return p.Fn(ctx, wav)
	}
	return p.Text, p.Err
}

// Calls returns a copy of all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}
