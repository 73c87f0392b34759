// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled token streams to the pipeline
// engine without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []llm.Chunk{{Text: "All "}, {Text: "good."}, {FinishReason: "stop"}},
//	}
//	ch, _ := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Req is the Request passed to StreamCompletion.
	Req llm.Request
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the Request passed to Complete.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	// Chunks is the canned token sequence replayed by StreamCompletion.
	Chunks []llm.Chunk

	// StreamErr, when non-nil, is returned by StreamCompletion before any
	// chunk is produced.
	StreamErr error

	// ChunkDelay, when non-nil, is awaited before each chunk is sent. Used to
	// simulate slow generation so tests can interleave interrupts.
	ChunkDelay func()

	// CompleteText is returned by Complete.
	CompleteText string

	// CompleteErr is returned by Complete.
	CompleteErr error

	// CompleteFn, when non-nil, replaces the canned CompleteText/CompleteErr
	// response entirely.
	CompleteFn func(ctx context.Context, req llm.Request) (string, error)

	mu            sync.Mutex
	streamCalls   []StreamCall
	completeCalls []CompleteCall
}

// StreamCompletion implements llm.Provider. It replays Chunks on a buffered
// channel, respecting ctx cancellation between sends.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamCalls = append(p.streamCalls, StreamCall{Req: req})
	chunks := make([]llm.Chunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay := p.ChunkDelay
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay != nil {
				delay()
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	p.completeCalls = append(p.completeCalls, CompleteCall{Req: req})
	fn := p.CompleteFn
	text, err := p.CompleteText, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return text, err
}

// StreamCalls returns a copy of all recorded StreamCompletion invocations.
func (p *Provider) StreamCalls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.streamCalls))
	copy(out, p.streamCalls)
	return out
}

// CompleteCalls returns a copy of all recorded Complete invocations.
func (p *Provider) CompleteCalls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.completeCalls))
	copy(out, p.completeCalls)
	return out
}
