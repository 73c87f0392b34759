// Package session holds the process-wide registry of live dialogue sessions.
//
// Every mutable session field is guarded by a per-session mutex; the store's
// own map is guarded separately so sessions never contend with each other.
// State transitions follow a fixed machine:
//
//	idle → listening → processing → speaking → idle
//	processing|speaking → interrupted → processing (next wake utterance)
//
// and every transition bumps the activity timestamp the reaper uses.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a session.
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateProcessing  State = "processing"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
)

// ErrNotFound is returned when a session id is unknown to the store.
var ErrNotFound = errors.New("session not found")

// ErrBadTransition is returned when a requested state change is not allowed
// by the state machine.
var ErrBadTransition = errors.New("invalid state transition")

// validNext lists the states reachable from each state.
var validNext = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateProcessing, StateIdle},
	StateProcessing:  {StateSpeaking, StateIdle, StateInterrupted},
	StateSpeaking:    {StateIdle, StateInterrupted},
	StateInterrupted: {StateProcessing, StateListening},
}

// Session is one live dialogue. Fields are mutated only through the store so
// the per-session lock discipline holds.
type Session struct {
	ID             string
	ConversationID string
	UserID         string

	mu               sync.Mutex
	state            State
	startedAt        time.Time
	lastActivityAt   time.Time
	activeResponseID string
}

// Snapshot is a consistent read of a session's mutable fields.
type Snapshot struct {
	ID               string
	ConversationID   string
	UserID           string
	State            State
	StartedAt        time.Time
	LastActivityAt   time.Time
	ActiveResponseID string
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:               s.ID,
		ConversationID:   s.ConversationID,
		UserID:           s.UserID,
		State:            s.state,
		StartedAt:        s.startedAt,
		LastActivityAt:   s.lastActivityAt,
		ActiveResponseID: s.activeResponseID,
	}
}

// Store is the process-wide session registry. All methods are safe for
// concurrent use.
type Store struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// NewStore creates an empty Store.
func NewStore(log *slog.Logger, opts ...Option) *Store {
	st := &Store{
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Create mints a new session with a fresh conversation id in state idle.
func (st *Store) Create(userID string) Snapshot {
	now := st.now()
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		UserID:         userID,
		state:          StateIdle,
		startedAt:      now,
		lastActivityAt: now,
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	st.log.Info("session created",
		"session_id", s.ID,
		"conversation_id", s.ConversationID,
		"user_id", userID)
	return s.snapshot()
}

func (st *Store) get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Get returns a snapshot of the session's current fields.
func (st *Store) Get(id string) (Snapshot, error) {
	s, err := st.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Transition moves the session to next if the state machine allows it and
// bumps the activity timestamp. Transitioning to the current state is a
// no-op.
func (st *Store) Transition(id string, next State) error {
	s, err := st.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		s.lastActivityAt = st.now()
		return nil
	}
	if !transitionAllowed(s.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, next)
	}

	st.log.Debug("session state change",
		"session_id", id,
		"from", string(s.state),
		"to", string(next))
	s.state = next
	s.lastActivityAt = st.now()
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Touch bumps the activity timestamp without changing state. Called on every
// inbound audio frame.
func (st *Store) Touch(id string) error {
	s, err := st.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastActivityAt = st.now()
	s.mu.Unlock()
	return nil
}

// Interrupt moves the session to interrupted and invalidates the active
// response id so all in-flight work becomes obsolete. It reports whether the
// interrupt took effect together with the state the session was in when it
// landed: only processing and speaking sessions can be interrupted, and
// re-interrupting is a no-op returning false.
func (st *Store) Interrupt(id string) (State, bool, error) {
	s, err := st.get(id)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.state
	if prior != StateProcessing && prior != StateSpeaking {
		return prior, false, nil
	}
	s.state = StateInterrupted
	s.activeResponseID = ""
	s.lastActivityAt = st.now()

	st.log.Info("session interrupted", "session_id", id)
	return prior, true, nil
}

// BeginResponse mints a fresh response id, stores it as the session's active
// response and returns it. At most one response id is active per session; a
// previous id becomes obsolete immediately.
func (st *Store) BeginResponse(id string) (string, error) {
	s, err := st.get(id)
	if err != nil {
		return "", err
	}

	responseID := uuid.NewString()
	s.mu.Lock()
	s.activeResponseID = responseID
	s.lastActivityAt = st.now()
	s.mu.Unlock()
	return responseID, nil
}

// ResponseLive reports whether responseID is still the session's active
// response and the session is not interrupted. Pre-emit checks in the
// pipeline and synthesis callbacks gate on this.
func (st *Store) ResponseLive(id, responseID string) bool {
	s, err := st.get(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeResponseID == responseID && s.state != StateInterrupted
}

// End removes the session from the store. Ending an unknown session is a
// no-op.
func (st *Store) End(id string) {
	st.mu.Lock()
	_, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok {
		st.log.Info("session ended", "session_id", id)
	}
}

// Reap ends every session whose last activity is older than olderThan and
// returns the ended session ids.
func (st *Store) Reap(olderThan time.Duration) []string {
	cutoff := st.now().Add(-olderThan)

	st.mu.RLock()
	candidates := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		candidates = append(candidates, s)
	}
	st.mu.RUnlock()

	var reaped []string
	for _, s := range candidates {
		s.mu.Lock()
		stale := s.lastActivityAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			st.End(s.ID)
			reaped = append(reaped, s.ID)
		}
	}
	if len(reaped) > 0 {
		st.log.Info("reaped stale sessions", "count", len(reaped))
	}
	return reaped
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
