package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/tools"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	apiKey   chan string
	setup    chan map[string]any
	received chan map[string]any
	script   func(conn *websocket.Conn)
	reject   bool
}

func newFakeServer(t *testing.T, script func(conn *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		apiKey:   make(chan string, 1),
		setup:    make(chan map[string]any, 1),
		received: make(chan map[string]any, 16),
		script:   script,
	}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.apiKey <- r.Header.Get("x-goog-api-key")
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		fs.setup <- setup
		if fs.reject {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid model"))
			return
		}
		_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

		go func() {
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				fs.received <- msg
			}
		}()
		if fs.script != nil {
			fs.script(conn)
		}
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func dial(t *testing.T, fs *fakeServer) live.Channel {
	t.Helper()
	d := NewDialer(Options{
		Endpoint:          fs.url(),
		APIKey:            "test-key",
		Model:             "gemini-live-test",
		Voice:             "Charon",
		SystemInstruction: "be brief",
		DialTimeout:       2 * time.Second,
		Tools:             tools.Declarations(),
	}, newLogger())
	ch, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestDialSendsSetup(t *testing.T) {
	fs := newFakeServer(t, nil)
	dial(t, fs)

	if key := <-fs.apiKey; key != "test-key" {
		t.Fatalf("expected api key header, got %q", key)
	}
	setup := (<-fs.setup)["setup"].(map[string]any)
	if setup["model"] != "models/gemini-live-test" {
		t.Fatalf("unexpected model %v", setup["model"])
	}
	toolSets := setup["tools"].([]any)
	decls := toolSets[0].(map[string]any)["functionDeclarations"].([]any)
	if len(decls) != 3 {
		t.Fatalf("expected three function declarations, got %d", len(decls))
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Fatal("expected input transcription enabled")
	}
}

func TestDialRejectedSetup(t *testing.T) {
	fs := newFakeServer(t, nil)
	fs.reject = true
	d := NewDialer(Options{Endpoint: fs.url(), Model: "bad", DialTimeout: 2 * time.Second}, newLogger())
	_, err := d.Dial(context.Background())
	if !errors.Is(err, ErrSetupRejected) {
		t.Fatalf("expected ErrSetupRejected, got %v", err)
	}
}

func TestReceiveDecodesServerContent(t *testing.T) {
	pcm := []byte{0x00, 0x40, 0x00, 0x40}
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hi"},
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"text": "thinking", "thought": true},
					map[string]any{"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					}},
				}},
				"outputTranscription": map[string]any{"text": "Hello"},
				"turnComplete":        true,
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"toolCall": map[string]any{"functionCalls": []any{
				map[string]any{"id": "c1", "name": "search", "args": map[string]any{"query": "weather"}},
			}},
		})
		_ = conn.WriteJSON(map[string]any{"toolCallCancellation": map[string]any{"ids": []string{"c1"}}})
	})
	ch := dial(t, fs)

	want := []live.EventKind{
		live.EventInputTranscript,
		live.EventAudio,
		live.EventVolume,
		live.EventText,
		live.EventTurnComplete,
		live.EventToolCall,
		live.EventToolCancel,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var events []live.InboundEvent
	for range want {
		ev, err := ch.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		events = append(events, ev)
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Fatalf("event %d: expected kind %d, got %d", i, kind, events[i].Kind)
		}
	}
	if events[1].Audio.SampleRate != 24000 || len(events[1].Audio.PCM) != len(pcm) {
		t.Fatalf("unexpected audio chunk %+v", events[1].Audio)
	}
	if events[2].Volume <= 0 {
		t.Fatal("expected non-zero volume for audio")
	}
	if events[3].Text != "Hello" {
		t.Fatalf("unexpected text %q", events[3].Text)
	}
	call := events[5].ToolCalls[0]
	if call.ID != "c1" || call.Name != tools.NameSearch || call.Args["query"] != "weather" {
		t.Fatalf("unexpected call %+v", call)
	}
}

func TestSendEncodesRealtimeInputAndToolResponse(t *testing.T) {
	fs := newFakeServer(t, nil)
	ch := dial(t, fs)
	ctx := context.Background()

	if err := ch.Send(ctx, live.Outbound{Kind: live.OutboundAudio, Audio: audio.Chunk{PCM: []byte{1, 2}, SampleRate: 16000}}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := ch.Send(ctx, live.Outbound{Kind: live.OutboundVideo, Frame: camera.Frame{Data: []byte{3}, MIMEType: "image/jpeg"}}); err != nil {
		t.Fatalf("send video: %v", err)
	}
	if err := ch.Send(ctx, live.Outbound{Kind: live.OutboundToolResponse, Responses: []tools.Result{
		{CallID: "c1", Name: tools.NameSearch, Response: map[string]any{"result": "Sunny"}},
	}}); err != nil {
		t.Fatalf("send tool response: %v", err)
	}

	next := func() map[string]any {
		select {
		case msg := <-fs.received:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("server received nothing")
			return nil
		}
	}

	audioMsg := next()["realtimeInput"].(map[string]any)["audio"].(map[string]any)
	if audioMsg["mimeType"] != "audio/pcm;rate=16000" {
		t.Fatalf("unexpected audio mime %v", audioMsg["mimeType"])
	}
	videoMsg := next()["realtimeInput"].(map[string]any)["video"].(map[string]any)
	if videoMsg["mimeType"] != "image/jpeg" {
		t.Fatalf("unexpected video mime %v", videoMsg["mimeType"])
	}
	raw, _ := json.Marshal(next())
	if !strings.Contains(string(raw), `"functionResponses":[{"id":"c1"`) {
		t.Fatalf("unexpected tool response %s", raw)
	}
}

func TestSampleRate(t *testing.T) {
	if got := sampleRate("audio/pcm;rate=24000", 16000); got != 24000 {
		t.Fatalf("expected 24000, got %d", got)
	}
	if got := sampleRate("audio/pcm", 16000); got != 16000 {
		t.Fatalf("expected fallback, got %d", got)
	}
}
