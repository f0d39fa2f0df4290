package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/capability"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/msglog"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

type fakeSession struct {
	mu     sync.Mutex
	state  live.ConnectionState
	chunks chan audio.Chunk
	frames chan camera.Frame

	// dial, when set, holds Connect in Connecting until Disconnect closes it.
	dial chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		chunks: make(chan audio.Chunk, 4),
		frames: make(chan camera.Frame, 4),
	}
}

func (f *fakeSession) ID() string { return "session-1" }

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	dial := f.dial
	if dial == nil {
		f.state = live.StateConnected
		f.mu.Unlock()
		return nil
	}
	f.state = live.StateConnecting
	f.mu.Unlock()

	select {
	case <-dial:
		return live.ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dial != nil {
		close(f.dial)
		f.dial = nil
	}
	f.state = live.StateDisconnected
}

func (f *fakeSession) State() live.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) LastError() error { return nil }

func (f *fakeSession) PushAudio(chunk audio.Chunk) { f.chunks <- chunk }

func (f *fakeSession) UpdateCameraFrame(frame camera.Frame) { f.frames <- frame }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	bridge  *Service
	session *fakeSession
	client  *bus.Client
	store   *eventstore.Store
}

func startHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := newLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "bridge-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "live.db"),
		RetentionMode: "session",
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	session := newFakeSession()
	svc := NewService(context.Background(), opts, client, store, logger)
	svc.Attach(session)
	if err := svc.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	return &harness{bridge: svc, session: session, client: client, store: store}
}

func TestStartRequiresSession(t *testing.T) {
	svc := NewService(context.Background(), Options{}, nil, nil, newLogger())
	if err := svc.Start(); err == nil {
		t.Fatalf("expected error without an attached session")
	}
}

func TestControlRequestReply(t *testing.T) {
	h := startHarness(t, Options{Model: "models/live"})
	defer h.bridge.Close()

	if !h.bridge.Healthy() {
		t.Fatalf("expected bridge healthy after start")
	}

	ask := func(action string) protocol.ControlReply { return control(t, h.client, action) }

	if reply := ask(protocol.ActionConnect); reply.State != "connected" || reply.Error != "" {
		t.Fatalf("unexpected connect reply %+v", reply)
	}
	if reply := ask(protocol.ActionDisconnect); reply.State != "disconnected" {
		t.Fatalf("unexpected disconnect reply %+v", reply)
	}
	if reply := ask("reboot"); reply.Error == "" {
		t.Fatalf("expected error for unknown action")
	}
}

func control(t *testing.T, client *bus.Client, action string) protocol.ControlReply {
	t.Helper()
	reply, err := request(client, action)
	if err != nil {
		t.Fatalf("control request %s: %v", action, err)
	}
	return reply
}

func request(client *bus.Client, action string) (protocol.ControlReply, error) {
	data, _ := json.Marshal(protocol.ControlRequest{Action: action})
	msg, err := client.Conn().Request(protocol.SubjectControl, data, 2*time.Second)
	if err != nil {
		return protocol.ControlReply{}, err
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.ControlReply{}, err
	}
	return reply, nil
}

func TestDisconnectRequestAbortsPendingConnect(t *testing.T) {
	h := startHarness(t, Options{})
	defer h.bridge.Close()
	h.session.mu.Lock()
	h.session.dial = make(chan struct{})
	h.session.mu.Unlock()

	type result struct {
		reply protocol.ControlReply
		err   error
	}
	connected := make(chan result, 1)
	go func() {
		reply, err := request(h.client, protocol.ActionConnect)
		connected <- result{reply, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.session.State() != live.StateConnecting {
		if time.Now().After(deadline) {
			t.Fatalf("connect never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if reply := control(t, h.client, protocol.ActionDisconnect); reply.State != "disconnected" {
		t.Fatalf("unexpected disconnect reply %+v", reply)
	}
	res := <-connected
	if res.err != nil {
		t.Fatalf("connect request: %v", res.err)
	}
	if !strings.Contains(res.reply.Error, live.ErrAborted.Error()) {
		t.Fatalf("expected aborted connect, got %+v", res.reply)
	}
}

func TestBusFramesReachSession(t *testing.T) {
	h := startHarness(t, Options{AudioFromBus: true, VideoFromBus: true})
	defer h.bridge.Close()

	if err := h.client.Publish(protocol.SubjectAudioFramePrefix+".kitchen", protocol.AudioFrame{
		SessionID: "kitchen", PCM: []byte{1, 2, 3, 4}, SampleRate: 16000, Channels: 1,
	}); err != nil {
		t.Fatalf("publish audio: %v", err)
	}
	if err := h.client.Publish(protocol.SubjectVideoFramePrefix+".kitchen", protocol.VideoFrame{
		SessionID: "kitchen", Data: []byte{0xff, 0xd8},
	}); err != nil {
		t.Fatalf("publish video: %v", err)
	}

	select {
	case chunk := <-h.session.chunks:
		if chunk.SampleRate != 16000 || len(chunk.PCM) != 4 {
			t.Fatalf("unexpected chunk %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audio frame never reached the session")
	}
	select {
	case frame := <-h.session.frames:
		if frame.MIMEType != "image/jpeg" || frame.CapturedAt.IsZero() {
			t.Fatalf("expected defaults applied, got %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("video frame never reached the session")
	}
}

func TestObserverPublishesAndJournals(t *testing.T) {
	h := startHarness(t, Options{Model: "models/live"})

	messages := make(chan *nats.Msg, 4)
	sub, err := h.client.Conn().ChanSubscribe(protocol.SubjectMessage, messages)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	obs := h.bridge.Observer()
	obs.OnStateChange(live.StateConnected)
	obs.OnMessage(msglog.Entry{
		ID:        1,
		Role:      msglog.RoleModel,
		Timestamp: time.Now(),
		Text:      "Generated image: a fox",
		Metadata: &msglog.Metadata{
			Type:  msglog.MediaImageGen,
			Image: &capability.Image{Data: []byte("png"), MIMEType: "image/png"},
		},
	})

	select {
	case msg := <-messages:
		var logMsg protocol.LogMessage
		if err := json.Unmarshal(msg.Data, &logMsg); err != nil {
			t.Fatalf("decode log message: %v", err)
		}
		if logMsg.ImageURI != "data:image/png;base64,cG5n" {
			t.Fatalf("unexpected image uri %q", logMsg.ImageURI)
		}
		if logMsg.Entry.Text != "Generated image: a fox" {
			t.Fatalf("unexpected entry %+v", logMsg.Entry)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message never published")
	}

	h.bridge.Close()

	events, err := h.store.ListSessionEvents(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected state and message journaled, got %d", len(events))
	}
	if events[0].Kind != eventstore.KindState || events[1].Kind != eventstore.KindMessage {
		t.Fatalf("unexpected journal order %s, %s", events[0].Kind, events[1].Kind)
	}
	sessions, err := h.store.ListSessions(context.Background(), 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EndedAt == nil || sessions[0].Model != "models/live" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPlayPublishesModelAudio(t *testing.T) {
	h := startHarness(t, Options{})
	defer h.bridge.Close()

	out := make(chan *nats.Msg, 2)
	sub, err := h.client.Conn().ChanSubscribe(protocol.SubjectModelAudio, out)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var sink audio.Sink = h.bridge
	sink.Play(audio.Chunk{PCM: []byte{0, 1}, SampleRate: 24000, Channels: 1})

	select {
	case msg := <-out:
		var chunk protocol.ModelAudio
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if chunk.Sequence != 1 || chunk.SampleRate != 24000 || chunk.SessionID != "session-1" {
			t.Fatalf("unexpected model audio %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("model audio never published")
	}
}
