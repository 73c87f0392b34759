// Package postgres provides a PostgreSQL-backed implementation of the
// conversation memory store.
//
// The pgvector extension must be available in the target database;
// [Migrate] installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vocalis-ai/vocalis/pkg/memory"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

var _ memory.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [memory.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] to ensure
// the messages table and vector index exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.Record.Embedding] values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Upsert implements [memory.Store]. A record with an existing ID is
// completely replaced.
func (s *Store) Upsert(ctx context.Context, rec memory.Record) error {
	const q = `
		INSERT INTO messages
		    (id, conversation_id, role, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    conversation_id = EXCLUDED.conversation_id,
		    role            = EXCLUDED.role,
		    text            = EXCLUDED.text,
		    embedding       = EXCLUDED.embedding,
		    created_at      = EXCLUDED.created_at`

	vec := pgvector.NewVector(rec.Embedding)
	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.ConversationID,
		string(rec.Role),
		rec.Text,
		vec,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert: %w", err)
	}
	return nil
}

// Search implements [memory.Store]. Results are ordered by ascending cosine
// distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter memory.Filter) ([]memory.SearchResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(filter.ConversationID))
	}
	if filter.Role != "" {
		conditions = append(conditions, "role = "+next(string(filter.Role)))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	q := fmt.Sprintf(`
		SELECT id, conversation_id, role, text, embedding, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM messages
		%s
		ORDER BY embedding <=> $1
		LIMIT %s`, whereClause, next(topK))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	defer rows.Close()

	var results []memory.SearchResult
	for rows.Next() {
		var (
			rec  memory.Record
			role string
			vec  pgvector.Vector
			sim  float32
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &role, &rec.Text, &vec, &rec.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("postgres store: scan search row: %w", err)
		}
		rec.Role = types.Role(role)
		rec.Embedding = vec.Slice()
		results = append(results, memory.SearchResult{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: search rows: %w", err)
	}
	return results, nil
}

// RecentMessages implements [memory.Store]. It returns the latest n messages
// of a conversation in chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]memory.Record, error) {
	const q = `
		SELECT id, conversation_id, role, text, created_at
		FROM (
		    SELECT id, conversation_id, role, text, created_at
		    FROM messages
		    WHERE conversation_id = $1
		    ORDER BY created_at DESC
		    LIMIT $2
		) latest
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent messages: %w", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var (
			rec  memory.Record
			role string
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &role, &rec.Text, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan message row: %w", err)
		}
		rec.Role = types.Role(role)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: message rows: %w", err)
	}
	return records, nil
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
