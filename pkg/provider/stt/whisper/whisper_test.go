package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt/whisper"
)

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText.
func newMockServer(t *testing.T, responseText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

func testWAV() []byte {
	return audio.EncodeWAV(make([]byte, 32000), 16000, 1)
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestTranscribe_ReturnsText(t *testing.T) {
	srv := newMockServer(t, "  What is the status?\n")
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), testWAV())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "What is the status?" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}
}

func TestTranscribe_EmptyPayload_ReturnsError(t *testing.T) {
	p, err := whisper.New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty payload, got nil")
	}
}

func TestTranscribe_ServerError_IsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Transcribe(context.Background(), testWAV())
	var se *stt.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *stt.StatusError", err)
	}
	if !se.Temporary() {
		t.Errorf("StatusError(503).Temporary() = false, want true")
	}
}

func TestTranscribe_ContextCancelled_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "ignored")
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, testWAV()); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
