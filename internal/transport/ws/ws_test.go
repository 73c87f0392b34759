package ws_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vocalis-ai/vocalis/internal/contextcache"
	"github.com/vocalis-ai/vocalis/internal/convo"
	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/intake"
	"github.com/vocalis-ai/vocalis/internal/pipeline"
	"github.com/vocalis-ai/vocalis/internal/resilience"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/transport/ws"
	"github.com/vocalis-ai/vocalis/internal/verify"
	"github.com/vocalis-ai/vocalis/internal/wake"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	llmmock "github.com/vocalis-ai/vocalis/pkg/provider/llm/mock"
	sttmock "github.com/vocalis-ai/vocalis/pkg/provider/stt/mock"
	ttsmock "github.com/vocalis-ai/vocalis/pkg/provider/tts/mock"
)

type harness struct {
	srv *httptest.Server
	eng *pipeline.Engine
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

func newHarness(t *testing.T, sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider) *harness {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	sessions := session.NewStore(log)
	eng := pipeline.New(
		pipeline.Config{Retry: resilience.RetryConfig{MaxAttempts: 1}},
		pipeline.Deps{
			Log:      log,
			Sessions: sessions,
			Convos:   convo.NewLog(log),
			Events:   events.NewMux(),
			Detector: wake.New([]string{"hey vocalis"}, []string{"stop", "cancel"}),
			Verifier: verify.New(log),
			Cache:    contextcache.New(),
			Gate:     intake.NewGate(intake.Config{MinUtteranceBytes: 100}, sessions),
			STT:      sttP,
			LLM:      llmP,
			TTS:      ttsP,
		})

	mux := http.NewServeMux()
	ws.NewServer(ws.Config{}, eng, log).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(eng.Close)
	return &harness{srv: srv, eng: eng, stt: sttP, llm: llmP, tts: ttsP}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/session?user_id=u1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

// waitFor reads events until one of the given kind arrives, returning the
// kinds seen along the way (the target included).
func waitFor(t *testing.T, conn *websocket.Conn, kind string) []string {
	t.Helper()
	var seen []string
	for i := 0; i < 64; i++ {
		ev := readEvent(t, conn)
		seen = append(seen, ev.Kind)
		if ev.Kind == kind {
			return seen
		}
	}
	t.Fatalf("event %q not seen; got %v", kind, seen)
	return nil
}

func sendControl(t *testing.T, conn *websocket.Conn, msg ws.ControlMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal control: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func TestSession_TranscriptTurn(t *testing.T) {
	h := newHarness(t,
		&sttmock.Provider{},
		&llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Hi there."},
			{FinishReason: "stop"},
		}},
		&ttsmock.Provider{})
	conn := h.dial(t)

	ev := readEvent(t, conn)
	if ev.Kind != events.KindSessionCreated {
		t.Fatalf("first event = %q, want session.created", ev.Kind)
	}

	sendControl(t, conn, ws.ControlMessage{Type: ws.ControlTranscript, Text: "hello there friend", IsFinal: true})

	seen := waitFor(t, conn, events.KindGenerationEnd)
	for _, want := range []string{
		events.KindTranscriptFinal,
		events.KindGenerationStart,
		events.KindGenerationChunk,
		events.KindSynthesisStart,
		events.KindSynthesisChunk,
	} {
		if !contains(seen, want) {
			t.Errorf("missing %q before generation.end; saw %v", want, seen)
		}
	}
}

func TestSession_AudioTurn(t *testing.T) {
	h := newHarness(t,
		&sttmock.Provider{Text: "what is going on"},
		&llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Nothing unusual."},
			{FinishReason: "stop"},
		}},
		&ttsmock.Provider{})
	conn := h.dial(t)
	readEvent(t, conn) // session.created

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 200)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	sendControl(t, conn, ws.ControlMessage{Type: ws.ControlAudioEnd})

	seen := waitFor(t, conn, events.KindTranscriptFinal)
	if !contains(seen, events.KindAudioChunk) {
		t.Errorf("expected audio.chunk metadata event; saw %v", seen)
	}
	if len(h.stt.Calls()) != 1 {
		t.Errorf("stt calls = %d, want 1", len(h.stt.Calls()))
	}
}

func TestSession_InterruptControl(t *testing.T) {
	ttsP := &ttsmock.Provider{}
	h := newHarness(t,
		&sttmock.Provider{},
		&llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "First sentence here. "},
			{Text: "Second sentence here."},
			{FinishReason: "stop"},
		}},
		ttsP)

	ready := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ttsP.BeforeEmit = func() {
		once.Do(func() { close(ready) })
		<-release
	}

	conn := h.dial(t)
	readEvent(t, conn) // session.created
	sendControl(t, conn, ws.ControlMessage{Type: ws.ControlTranscript, Text: "tell me everything", IsFinal: true})

	<-ready
	sendControl(t, conn, ws.ControlMessage{Type: ws.ControlInterrupt})
	seen := waitFor(t, conn, events.KindSessionInterrupted)
	close(release)

	if !contains(seen, events.KindSynthesisStop) {
		t.Errorf("expected synthesis.stop before session.interrupted; saw %v", seen)
	}
	if contains(seen, events.KindGenerationEnd) {
		t.Errorf("interrupted turn must not emit generation.end; saw %v", seen)
	}
}

func TestSession_MalformedControlIgnored(t *testing.T) {
	h := newHarness(t,
		&sttmock.Provider{},
		&llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Still alive."},
			{FinishReason: "stop"},
		}},
		&ttsmock.Provider{})
	conn := h.dial(t)
	readEvent(t, conn) // session.created

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendControl(t, conn, ws.ControlMessage{Type: "bogus.type"})
	sendControl(t, conn, ws.ControlMessage{Type: ws.ControlTranscript, Text: "are you still there", IsFinal: true})

	waitFor(t, conn, events.KindGenerationEnd)
}

func contains(kinds []string, want string) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
