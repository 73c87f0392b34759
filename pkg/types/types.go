// Package types defines the shared types used across all Vocalis packages.
//
// These types form the lingua franca between the capability ports, the session
// store, the verifier, and the pipeline engine. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// AudioFrame is a single frame of captured audio flowing into the intake gate.
// The pipeline edge is fixed to raw PCM, 16-bit signed little-endian; sample
// rate and channel count come from the engine configuration.
type AudioFrame struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz (16000 at the engine edge).
	SampleRate int

	// Channels is the channel count (1 at the engine edge).
	Channels int

	// ReceivedAt marks when the frame arrived from the transport.
	ReceivedAt time.Time
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation's append-only log.
type Message struct {
	// ID is the unique message identifier.
	ID string

	// Role is who authored the message.
	Role Role

	// Text is the message content.
	Text string

	// CreatedAt is when the message was appended.
	CreatedAt time.Time

	// Citations lists the sources backing an assistant message. Nil for user
	// and system messages, and for assistant messages that bypassed
	// verification.
	Citations []Citation
}

// Citation points an assistant claim at the snapshot source that supports it.
type Citation struct {
	// Source is the snapshot label, e.g. "api:status", "conversation:user",
	// or "general_knowledge".
	Source string `json:"source"`

	// Verified reports whether the claim scored above the similarity floor.
	Verified bool `json:"verified"`

	// Snippet is a short excerpt of the supporting source text.
	Snippet string `json:"snippet,omitempty"`

	// ClaimType is the classification of the supported claim.
	ClaimType ClaimType `json:"claim_type,omitempty"`
}

// ClaimType classifies a factual claim extracted from a reply.
type ClaimType string

const (
	ClaimFactual   ClaimType = "factual"
	ClaimNumerical ClaimType = "numerical"
	ClaimTemporal  ClaimType = "temporal"
	ClaimReference ClaimType = "reference"
	ClaimOpinion   ClaimType = "opinion"
)

// Claim is a single sentence extracted from a reply and judged against the
// context snapshot.
type Claim struct {
	// Text is the extracted sentence.
	Text string `json:"text"`

	// Type is the claim classification.
	Type ClaimType `json:"type"`

	// Verified reports whether a supporting source was found.
	Verified bool `json:"verified"`

	// Confidence is the similarity score of the best source match, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Source is the label of the best-matching source, empty when unverified.
	Source string `json:"source,omitempty"`
}

// Snapshot is an immutable view of the cached external data made available to
// the generator and the verifier for one invocation.
type Snapshot struct {
	// APIData maps opaque labels to JSON-like values fetched from registered
	// external endpoints.
	APIData map[string]any

	// Conversation is an optional recent slice of the conversation.
	Conversation []Message

	// KnowledgeBase holds optional free-text knowledge entries.
	KnowledgeBase []string
}
