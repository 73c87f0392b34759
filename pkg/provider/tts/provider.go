// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Piper instance) and presents a uniform per-sentence streaming interface: the
// pipeline engine submits one complete sentence at a time and receives raw PCM
// audio chunks through a callback as they are synthesised. The callback return
// value gives the caller veto power over every chunk — the pipeline uses it to
// drop audio that became obsolete after an interrupt.
//
// Implementations must be safe for concurrent use; the pipeline serialises
// sentences within one session but sessions run in parallel.
package tts

import "context"

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Stability controls synthesis consistency in [0, 1]; provider-specific.
	Stability float64

	// SimilarityBoost controls voice similarity in [0, 1]; provider-specific.
	SimilarityBoost float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and invokes emit for each
	// raw PCM audio chunk as it becomes available. Synthesize returns after
	// the final chunk has been delivered (or refused).
	//
	// When emit returns a non-nil error the provider must stop synthesis and
	// return; the returned error wraps the emit error. Cancellation of ctx
	// aborts any in-flight network transfer.
	Synthesize(ctx context.Context, text string, voice VoiceProfile, emit func(chunk []byte) error) error
}
