// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (e.g., a whisper-server
// instance or a hosted speech API) behind a single call: WAV bytes in,
// transcript text out. The intake gate owns utterance segmentation, so
// providers never see partial audio — every call carries one complete
// utterance in a RIFF/WAV container.
//
// Implementations must be safe for concurrent use; the pipeline engine issues
// one call per session turn but sessions run in parallel.
package stt

import (
	"context"
	"fmt"
)

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe submits one complete utterance (WAV container, 16-bit PCM)
	// and returns the transcript text. An empty string with a nil error means
	// the provider recognised no speech.
	//
	// Transcribe must respect ctx cancellation and deadlines. Transient
	// failures should be reported as a [StatusError] so the caller's retry
	// policy can distinguish them from permanent ones.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// StatusError reports an HTTP-level failure from an STT backend.
type StatusError struct {
	// Code is the HTTP status code returned by the backend.
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("stt: backend returned HTTP %d", e.Code)
}

// Temporary reports whether the failure is worth retrying: server errors and
// rate limiting, per the standard idempotent-call retry policy.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == 429
}
