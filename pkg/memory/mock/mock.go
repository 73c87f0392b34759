// Package mock provides an in-memory [memory.Store] for tests.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/vocalis-ai/vocalis/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is an in-memory [memory.Store]. It records every upsert and search
// and is safe for concurrent use.
//
// Search ranks by dot product with the query vector, which matches cosine
// ordering for normalized embeddings and is close enough for tests.
type Store struct {
	// UpsertErr, when non-nil, is returned by every Upsert call.
	UpsertErr error
	// SearchErr, when non-nil, is returned by every Search call.
	SearchErr error
	// PingErr, when non-nil, is returned by every Ping call.
	PingErr error

	mu      sync.Mutex
	records map[string]memory.Record
	// Upserts holds every record passed to Upsert, in call order.
	Upserts []memory.Record
	// Searches holds every query embedding passed to Search, in call order.
	Searches [][]float32
	Closed   bool
}

// Upsert implements [memory.Store].
func (s *Store) Upsert(_ context.Context, rec memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Upserts = append(s.Upserts, rec)
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	if s.records == nil {
		s.records = make(map[string]memory.Record)
	}
	s.records[rec.ID] = rec
	return nil
}

// Search implements [memory.Store].
func (s *Store) Search(_ context.Context, embedding []float32, topK int, filter memory.Filter) ([]memory.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Searches = append(s.Searches, embedding)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	var results []memory.SearchResult
	for _, rec := range s.records {
		if filter.ConversationID != "" && rec.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Role != "" && rec.Role != filter.Role {
			continue
		}
		if !filter.After.IsZero() && !rec.CreatedAt.After(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && !rec.CreatedAt.Before(filter.Before) {
			continue
		}
		results = append(results, memory.SearchResult{Record: rec, Similarity: dot(embedding, rec.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// RecentMessages implements [memory.Store].
func (s *Store) RecentMessages(_ context.Context, conversationID string, n int) ([]memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []memory.Record
	for _, rec := range s.records {
		if rec.ConversationID == conversationID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(context.Context) error { return s.PingErr }

// Close implements [memory.Store].
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
