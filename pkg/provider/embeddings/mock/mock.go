// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
)

// Compile-time assertion that Provider implements embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider. It returns a
// fixed-size zero vector for every input unless Vector or Err is set.
type Provider struct {
	// Dim is the reported dimensionality. Defaults to 4 when zero.
	Dim int

	// Vector, when non-nil, is returned by every Embed call.
	Vector []float32

	// Err, when non-nil, is returned by every Embed call.
	Err error

	mu    sync.Mutex
	texts []string
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	if p.Vector != nil {
		return p.Vector, nil
	}
	return make([]float32, p.Dimensions()), nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dim <= 0 {
		return 4
	}
	return p.Dim
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock" }

// Texts returns a copy of all embedded inputs in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}
