// Package convo keeps the in-memory conversation log the pipeline reads and
// appends during a turn.
//
// The log is append-only. Each successful append is optionally mirrored to
// an external vector store through a write-through goroutine: the message is
// embedded and upserted off the critical path, and failures there are logged
// but never surface to the pipeline.
package convo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalis-ai/vocalis/pkg/memory"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
	"github.com/vocalis-ai/vocalis/pkg/types"
)

// writeThroughTimeout bounds one embed+upsert round trip so a hung store
// cannot pile up goroutines forever.
const writeThroughTimeout = 15 * time.Second

// conversation is one append-only message sequence.
type conversation struct {
	id        string
	userID    string
	createdAt time.Time
	updatedAt time.Time
	messages  []types.Message
}

// Option configures a [Log].
type Option func(*Log)

// WithWriteThrough mirrors every appended message to store, embedding the
// text with embedder first. Both must be non-nil together.
func WithWriteThrough(store memory.Store, embedder embeddings.Provider) Option {
	return func(l *Log) {
		l.store = store
		l.embedder = embedder
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log is the process-wide conversation registry. All methods are safe for
// concurrent use.
type Log struct {
	log      *slog.Logger
	now      func() time.Time
	store    memory.Store
	embedder embeddings.Provider

	mu            sync.Mutex
	conversations map[string]*conversation

	// wg tracks in-flight write-through goroutines so Close can wait for
	// them during shutdown.
	wg sync.WaitGroup
}

// NewLog creates an empty Log.
func NewLog(log *slog.Logger, opts ...Option) *Log {
	l := &Log{
		log:           log,
		now:           time.Now,
		conversations: make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create registers an empty conversation under the given id. Creating an
// existing id is a no-op.
func (l *Log) Create(conversationID, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.conversations[conversationID]; ok {
		return
	}
	now := l.now()
	l.conversations[conversationID] = &conversation{
		id:        conversationID,
		userID:    userID,
		createdAt: now,
		updatedAt: now,
	}
}

// Append adds a message with the given role and text, returning the stored
// message. Unknown conversations are created implicitly so a session that
// outlived a reap can still finish its turn.
func (l *Log) Append(conversationID string, role types.Role, text string, citations []types.Citation) types.Message {
	msg := types.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: l.now(),
		Citations: citations,
	}

	l.mu.Lock()
	conv, ok := l.conversations[conversationID]
	if !ok {
		conv = &conversation{id: conversationID, createdAt: msg.CreatedAt}
		l.conversations[conversationID] = conv
	}
	conv.messages = append(conv.messages, msg)
	conv.updatedAt = msg.CreatedAt
	l.mu.Unlock()

	l.writeThrough(conversationID, msg)
	return msg
}

// History returns a copy of the conversation's messages in append order.
func (l *Log) History(conversationID string) []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv, ok := l.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]types.Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Recent returns up to n of the conversation's latest messages in append
// order. Used to build context snapshots for verification.
func (l *Log) Recent(conversationID string, n int) []types.Message {
	history := l.History(conversationID)
	if len(history) > n {
		history = history[len(history)-n:]
	}
	return history
}

// Delete removes a conversation from the in-memory log. Mirrored records in
// the vector store are kept; they are the long-term memory.
func (l *Log) Delete(conversationID string) {
	l.mu.Lock()
	delete(l.conversations, conversationID)
	l.mu.Unlock()
}

// writeThrough mirrors msg to the vector store asynchronously. Errors are
// logged and swallowed: the mirror is best-effort and must never block or
// fail a turn.
func (l *Log) writeThrough(conversationID string, msg types.Message) {
	if l.store == nil || l.embedder == nil {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeThroughTimeout)
		defer cancel()

		vec, err := l.embedder.Embed(ctx, msg.Text)
		if err != nil {
			l.log.Warn("write-through embed failed",
				"conversation_id", conversationID,
				"message_id", msg.ID,
				"error", err)
			return
		}

		err = l.store.Upsert(ctx, memory.Record{
			ID:             msg.ID,
			ConversationID: conversationID,
			Role:           msg.Role,
			Text:           msg.Text,
			Embedding:      vec,
			CreatedAt:      msg.CreatedAt,
		})
		if err != nil {
			l.log.Warn("write-through upsert failed",
				"conversation_id", conversationID,
				"message_id", msg.ID,
				"error", err)
		}
	}()
}

// Close waits for in-flight write-through work to finish.
func (l *Log) Close() {
	l.wg.Wait()
}
