// Package memory defines the persistent conversation memory port.
//
// The orchestrator writes every finalized message through to a [Store] so
// that later turns (and later sessions) can recall semantically related
// exchanges. Writes happen off the hot path; a Store implementation should
// still be safe for concurrent use because multiple sessions flush
// concurrently.
package memory

import (
	"context"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/types"
)

// Record is a single stored conversation message together with the metadata
// needed to scope searches.
type Record struct {
	// ID uniquely identifies the record. Upserting the same ID replaces the
	// previous record.
	ID string
	// ConversationID groups records belonging to one dialogue.
	ConversationID string
	Role           types.Role
	Text           string
	// Embedding is the vector representation of Text. Its dimension must
	// match the dimension the Store was created with.
	Embedding []float32
	CreatedAt time.Time
}

// SearchResult pairs a stored record with its similarity to the query vector.
type SearchResult struct {
	Record Record
	// Similarity is 1 - cosine distance, in [0, 1] for normalized vectors.
	Similarity float32
}

// Filter narrows a search. Zero fields are ignored.
type Filter struct {
	ConversationID string
	Role           types.Role
	After          time.Time
	Before         time.Time
}

// Store is the persistence port for conversation memory.
type Store interface {
	// Upsert inserts or replaces a record.
	Upsert(ctx context.Context, rec Record) error

	// Search returns the topK records closest to the query embedding,
	// most similar first, optionally narrowed by filter.
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SearchResult, error)

	// RecentMessages returns the latest n messages of a conversation in
	// chronological order.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]Record, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()
}
