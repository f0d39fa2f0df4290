// Package live orchestrates one bidirectional session with a multimodal
// model: connection lifecycle, media fan-in, event routing and tool calls.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/capability"
	"github.com/loqalabs/loqa-live/internal/msglog"
	"github.com/loqalabs/loqa-live/internal/tools"
)

var (
	// ErrInvalidState is returned by Connect outside Disconnected and Error.
	ErrInvalidState = errors.New("live: connect not allowed in current state")
	// ErrAborted is returned by Connect when Disconnect won the race.
	ErrAborted = errors.New("live: connect aborted by disconnect")
)

// Observer receives session updates. Callbacks run synchronously on the
// goroutine that produced the update and must not call Connect or Disconnect.
type Observer struct {
	OnStateChange func(ConnectionState)
	OnVolume      func(float64)
	OnMessage     func(msglog.Entry)
}

type Config struct {
	Dialer   Dialer
	Provider capability.Provider

	// Optional local devices. Without them media arrives through PushAudio
	// and UpdateCameraFrame.
	Microphone    audio.Source
	Camera        camera.Source
	CameraOptions camera.Options
	Playback      audio.Sink

	Tools         tools.Options
	WriteTimeout  time.Duration
	ToolQueueSize int
}

// Stats are cumulative counters over the life of the session.
type Stats struct {
	AudioSent        uint64 `json:"audio_sent"`
	AudioDropped     uint64 `json:"audio_dropped"`
	FramesSent       uint64 `json:"frames_sent"`
	FramesSuperseded uint64 `json:"frames_superseded"`
	FramesRejected   uint64 `json:"frames_rejected"`
	ToolResponses    uint64 `json:"tool_responses"`
	EventsDiscarded  uint64 `json:"events_discarded"`
}

type counters struct {
	audioSent        atomic.Uint64
	audioDropped     atomic.Uint64
	framesSent       atomic.Uint64
	framesSuperseded atomic.Uint64
	framesRejected   atomic.Uint64
	toolResponses    atomic.Uint64
	eventsDiscarded  atomic.Uint64
}

type Session struct {
	id   string
	cfg  Config
	log  *slog.Logger
	base *slog.Logger

	// lifecycle serializes transitions and their observer delivery.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	state   ConnectionState
	conn    *connection
	failed  *connection
	lastErr error

	obsMu    sync.RWMutex
	observer Observer

	msgs   *msglog.Log
	volume atomic.Uint64
	stats  counters

	mic *audio.Capture
	cam *camera.Sampler

	tracer  trace.Tracer
	metrics sessionMetrics
}

type sessionMetrics struct {
	audioDropped metric.Int64Counter
	mediaSent    metric.Int64Counter
	transitions  metric.Int64Counter
}

func New(cfg Config, logger *slog.Logger) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("live: dialer required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("live: capability provider required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ToolQueueSize <= 0 {
		cfg.ToolQueueSize = 16
	}
	id := uuid.NewString()
	s := &Session{
		id:     id,
		cfg:    cfg,
		log:    logger.With(slog.String("component", "live"), slog.String("session_id", id)),
		base:   logger.With(slog.String("session_id", id)),
		tracer: otel.Tracer("github.com/loqalabs/loqa-live/live"),
	}
	s.msgs = msglog.New(s.notifyMessage)
	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	if cfg.Microphone != nil {
		s.mic = audio.NewCapture(cfg.Microphone, s.PushAudio, logger)
	}
	if cfg.Camera != nil {
		s.cam = camera.NewSampler(cfg.Camera, cfg.CameraOptions, s.UpdateCameraFrame, logger)
	}
	return s, nil
}

func (s *Session) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/live")
	var err error
	if s.metrics.audioDropped, err = meter.Int64Counter("loqa.live.audio.dropped", metric.WithDescription("Microphone chunks dropped under backpressure")); err != nil {
		return fmt.Errorf("create audio dropped counter: %w", err)
	}
	if s.metrics.mediaSent, err = meter.Int64Counter("loqa.live.media.sent", metric.WithDescription("Media messages written to the live channel")); err != nil {
		return fmt.Errorf("create media sent counter: %w", err)
	}
	if s.metrics.transitions, err = meter.Int64Counter("loqa.live.state.transitions", metric.WithDescription("Connection state transitions")); err != nil {
		return fmt.Errorf("create transitions counter: %w", err)
	}
	return nil
}

func (s *Session) ID() string { return s.id }

// SetObserver installs the single observer slot, replacing any previous one.
func (s *Session) SetObserver(o Observer) {
	s.obsMu.Lock()
	s.observer = o
	s.obsMu.Unlock()
}

func (s *Session) currentObserver() Observer {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	return s.observer
}

func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError is the reason for the most recent transition to Error.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Connect opens the channel. It is rejected unless the session is
// Disconnected or in Error.
func (s *Session) Connect(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "live.connect", trace.WithAttributes(attribute.String("session_id", s.id)))
	defer span.End()

	s.lifecycle.Lock()
	s.mu.Lock()
	if !canConnect(s.state) {
		state := s.state
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	c := newConnection(s.cfg.ToolQueueSize)
	s.conn = c
	s.failed = nil
	s.lastErr = nil
	s.mu.Unlock()
	s.transition(StateConnecting)
	s.lifecycle.Unlock()

	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancelDial)
	ch, err := s.cfg.Dialer.Dial(dialCtx)
	stop()
	cancelDial()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.owns(c) {
		if ch != nil {
			_ = ch.Close()
		}
		span.SetStatus(codes.Error, ErrAborted.Error())
		return ErrAborted
	}
	if err != nil {
		err = fmt.Errorf("open live channel: %w", err)
		s.failLocked(c, err)
		c.shutdown()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.ch = ch

	dispatcher, err := tools.NewDispatcher(s.cfg.Provider, c.latestImage, s.toolSink(c), s.cfg.Tools, s.base)
	if err != nil {
		err = fmt.Errorf("start tool dispatcher: %w", err)
		s.failLocked(c, err)
		c.shutdown()
		span.RecordError(err)
		return err
	}
	c.dispatcher = dispatcher

	s.transition(StateConnected)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer c.wg.Done()
		s.readLoop(c)
	}()
	s.setProducers(true)
	s.log.Info("live session connected")
	return nil
}

// Disconnect stops producers, closes the channel and discards in-flight tool
// calls. From Error it only releases what is left and keeps the state.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	s.mu.Lock()
	state := s.state
	c := s.conn
	failed := s.failed
	s.conn = nil
	s.failed = nil
	s.mu.Unlock()

	switch state {
	case StateDisconnected:
		s.lifecycle.Unlock()
		return
	case StateError:
		s.setProducers(false)
		s.lifecycle.Unlock()
		if failed != nil {
			failed.shutdown()
		}
		return
	}

	if c != nil {
		c.detach()
	}
	s.setProducers(false)
	s.transition(StateDisconnected)
	s.lifecycle.Unlock()

	if c != nil {
		c.shutdown()
	}
	s.log.Info("live session disconnected")
}

// fail moves a live connection to Error after a channel fault.
func (s *Session) fail(c *connection, err error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.owns(c) {
		return
	}
	s.failLocked(c, err)
	// Called from the connection's own goroutines, so wait elsewhere.
	go c.shutdown()
}

func (s *Session) failLocked(c *connection, err error) {
	c.detach()
	s.mu.Lock()
	s.conn = nil
	s.failed = c
	s.lastErr = err
	s.mu.Unlock()
	s.setProducers(false)
	s.log.Error("live session failed", slogError(err))
	s.transition(StateError)
}

func (s *Session) owns(c *connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn == c
}

// transition must be called with lifecycle held.
func (s *Session) transition(next ConnectionState) {
	s.mu.Lock()
	prev := s.state
	if !CanTransition(prev, next) {
		s.mu.Unlock()
		s.log.Error("illegal state transition ignored", slog.String("from", prev.String()), slog.String("to", next.String()))
		return
	}
	s.state = next
	s.mu.Unlock()

	s.metrics.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", next.String())))
	s.log.Debug("state changed", slog.String("from", prev.String()), slog.String("to", next.String()))
	if fn := s.currentObserver().OnStateChange; fn != nil {
		fn(next)
	}
}

func (s *Session) setProducers(active bool) {
	if s.mic != nil {
		s.mic.SetActive(active)
	}
	if s.cam != nil {
		s.cam.SetActive(active)
	}
}

// live reports whether c may still send.
func (s *Session) live(c *connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn == c && s.state == StateConnected && c.ctx.Err() == nil
}

func (s *Session) current() *connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return nil
	}
	return s.conn
}

// PushAudio offers a microphone chunk. With one chunk already waiting the
// new one is dropped.
func (s *Session) PushAudio(chunk audio.Chunk) {
	c := s.current()
	if c == nil {
		return
	}
	select {
	case c.audio <- chunk:
	default:
		s.stats.audioDropped.Add(1)
		s.metrics.audioDropped.Add(context.Background(), 1)
	}
}

// UpdateCameraFrame replaces the pending video frame. Frames offered while
// not Connected are dropped.
func (s *Session) UpdateCameraFrame(frame camera.Frame) {
	c := s.current()
	if c == nil {
		s.stats.framesRejected.Add(1)
		return
	}
	c.frame.Store(&frame)
	if c.video.Put(frame) {
		s.stats.framesSuperseded.Add(1)
	}
}

// latestImage is the newest frame of this connection. Frames from an earlier
// connection are never reused.
func (c *connection) latestImage() (capability.Image, error) {
	f := c.frame.Load()
	if f == nil || len(f.Data) == 0 {
		return capability.Image{}, tools.ErrNoFrame
	}
	return capability.Image{Data: f.Data, MIMEType: f.MIMEType}, nil
}

// Volume is the last model output level, 0.0-1.0.
func (s *Session) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

func (s *Session) setVolume(v float64) {
	s.volume.Store(math.Float64bits(v))
	if fn := s.currentObserver().OnVolume; fn != nil {
		fn(v)
	}
}

// Messages returns the log newest first.
func (s *Session) Messages() []msglog.Entry {
	return s.msgs.Newest()
}

// History returns the log in creation order.
func (s *Session) History() []msglog.Entry {
	return s.msgs.Ordered()
}

// ActiveMedia is the most recent entry carrying metadata.
func (s *Session) ActiveMedia() (msglog.Entry, bool) {
	return s.msgs.Active()
}

func (s *Session) Stats() Stats {
	return Stats{
		AudioSent:        s.stats.audioSent.Load(),
		AudioDropped:     s.stats.audioDropped.Load(),
		FramesSent:       s.stats.framesSent.Load(),
		FramesSuperseded: s.stats.framesSuperseded.Load(),
		FramesRejected:   s.stats.framesRejected.Load(),
		ToolResponses:    s.stats.toolResponses.Load(),
		EventsDiscarded:  s.stats.eventsDiscarded.Load(),
	}
}

func (s *Session) notifyMessage(e msglog.Entry) {
	if fn := s.currentObserver().OnMessage; fn != nil {
		fn(e)
	}
}

// toolSink records a finished call and queues its response while c is live.
func (s *Session) toolSink(c *connection) tools.Sink {
	return func(res tools.Result, draft msglog.Draft) {
		c.gate.RLock()
		defer c.gate.RUnlock()
		if c.closed {
			return
		}
		s.msgs.Append(draft)
		select {
		case c.tools <- res:
		case <-c.ctx.Done():
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
