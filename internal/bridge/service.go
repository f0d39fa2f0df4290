// Package bridge exposes a live session on the NATS bus and journals it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/msglog"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

// Session is the part of live.Session the bridge drives.
type Session interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect()
	State() live.ConnectionState
	LastError() error
	PushAudio(chunk audio.Chunk)
	UpdateCameraFrame(frame camera.Frame)
}

type Options struct {
	Model        string
	AudioFromBus bool
	VideoFromBus bool
	JournalQueue int
}

type Service struct {
	opts    Options
	bus     *bus.Client
	store   *eventstore.Store
	session Session
	log     *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	subs     []*nats.Subscription
	journal  chan func(context.Context) error
	ready    atomic.Bool
	audioSeq atomic.Int64
}

func NewService(parent context.Context, opts Options, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Service {
	if opts.JournalQueue <= 0 {
		opts.JournalQueue = 256
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		opts:    opts,
		bus:     busClient,
		store:   store,
		log:     logger.With(slog.String("component", "bridge")),
		ctx:     ctx,
		cancel:  cancel,
		journal: make(chan func(context.Context) error, opts.JournalQueue),
	}
}

// Attach binds the session. It must be called before Start.
func (s *Service) Attach(session Session) {
	s.session = session
}

func (s *Service) Start() error {
	if s.session == nil {
		return fmt.Errorf("bridge started without a session")
	}
	if s.store != nil {
		s.wg.Add(1)
		go s.runJournal()
		id, model := s.session.ID(), s.opts.Model
		s.enqueue(func(ctx context.Context) error { return s.store.BeginSession(ctx, id, model) })
	}
	if s.bus == nil {
		s.ready.Store(true)
		return nil
	}

	subscribe := func(subject string, handler nats.MsgHandler) error {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		return nil
	}
	if err := subscribe(protocol.SubjectControl, s.handleControl); err != nil {
		return err
	}
	if s.opts.AudioFromBus {
		if err := subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleAudio); err != nil {
			return err
		}
	}
	if s.opts.VideoFromBus {
		if err := subscribe(protocol.SubjectVideoFramePrefix+".>", s.handleVideo); err != nil {
			return err
		}
	}
	if err := s.bus.Conn().Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	if s.store != nil && s.session != nil {
		id := s.session.ID()
		s.enqueue(func(ctx context.Context) error { return s.store.EndSession(ctx, id) })
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && (s.bus == nil || s.bus.Healthy())
}

// Observer publishes every session update and journals states and entries.
func (s *Service) Observer() live.Observer {
	return live.Observer{
		OnStateChange: s.onState,
		OnVolume:      s.onVolume,
		OnMessage:     s.onMessage,
	}
}

func (s *Service) onState(state live.ConnectionState) {
	var reason string
	if state == live.StateError {
		if err := s.session.LastError(); err != nil {
			reason = err.Error()
		}
	}
	s.publish(protocol.SubjectState, protocol.StateMessage{
		SessionID: s.session.ID(),
		State:     state.String(),
		Error:     reason,
		Timestamp: time.Now().UTC(),
	})
	if s.store != nil {
		id, name := s.session.ID(), state.String()
		s.enqueue(func(ctx context.Context) error { return s.store.RecordState(ctx, id, name, reason) })
	}
}

func (s *Service) onVolume(level float64) {
	s.publish(protocol.SubjectVolume, protocol.VolumeMessage{SessionID: s.session.ID(), Level: level})
}

func (s *Service) onMessage(entry msglog.Entry) {
	msg := protocol.LogMessage{SessionID: s.session.ID(), Entry: entry}
	if entry.Metadata != nil && entry.Metadata.Image != nil {
		msg.ImageURI = entry.Metadata.Image.DataURI()
	}
	s.publish(protocol.SubjectMessage, msg)
	if s.store != nil {
		id := s.session.ID()
		s.enqueue(func(ctx context.Context) error { return s.store.RecordEntry(ctx, id, entry) })
	}
}

// Play forwards model speech to edge speakers.
func (s *Service) Play(chunk audio.Chunk) {
	s.publish(protocol.SubjectModelAudio, protocol.ModelAudio{
		SessionID:  s.session.ID(),
		Sequence:   int(s.audioSeq.Add(1)),
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
	})
}

func (s *Service) publish(subject string, v any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(subject, v); err != nil {
		s.log.Warn("bus publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.ControlReply{State: s.session.State().String(), Error: "invalid control request"})
		return
	}
	var reply protocol.ControlReply
	switch req.Action {
	case protocol.ActionConnect:
		if s.ctx.Err() != nil {
			s.reply(msg, protocol.ControlReply{State: s.session.State().String(), Error: "bridge closed"})
			return
		}
		// The dial runs off the subscription goroutine so a disconnect
		// request can abort it. The reply goes out once Connect returns.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var reply protocol.ControlReply
			if err := s.session.Connect(s.ctx); err != nil {
				reply.Error = err.Error()
			}
			reply.State = s.session.State().String()
			s.reply(msg, reply)
		}()
		return
	case protocol.ActionDisconnect:
		s.session.Disconnect()
	default:
		reply.Error = fmt.Sprintf("unknown action %q", req.Action)
	}
	reply.State = s.session.State().String()
	s.reply(msg, reply)
}

func (s *Service) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slogError(err))
	}
}

func (s *Service) handleAudio(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if len(frame.PCM) == 0 {
		return
	}
	s.session.PushAudio(audio.Chunk{PCM: frame.PCM, SampleRate: frame.SampleRate, Channels: frame.Channels})
}

func (s *Service) handleVideo(msg *nats.Msg) {
	var frame protocol.VideoFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode video frame", slogError(err))
		return
	}
	if len(frame.Data) == 0 {
		return
	}
	mime := frame.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	captured := frame.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	s.session.UpdateCameraFrame(camera.Frame{Data: frame.Data, MIMEType: mime, CapturedAt: captured})
}

func (s *Service) enqueue(write func(context.Context) error) {
	select {
	case s.journal <- write:
	default:
		s.log.Warn("journal queue full, dropping event")
	}
}

// runJournal drains writes until Close, then flushes what is queued.
func (s *Service) runJournal() {
	defer s.wg.Done()
	for {
		select {
		case write := <-s.journal:
			s.write(write)
		case <-s.ctx.Done():
			for {
				select {
				case write := <-s.journal:
					s.write(write)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := write(ctx); err != nil {
		s.log.Warn("journal write failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
