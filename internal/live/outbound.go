package live

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/tools"
)

// connection is the per-dial state. Once detached nothing it owns may touch
// the log or the channel.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ch         Channel
	dispatcher *tools.Dispatcher

	audio chan audio.Chunk
	video *Mailbox[camera.Frame]
	frame atomic.Pointer[camera.Frame]
	tools chan tools.Result

	gate   sync.RWMutex
	closed bool

	once sync.Once
}

func newConnection(toolQueue int) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		ctx:    ctx,
		cancel: cancel,
		audio:  make(chan audio.Chunk, 1),
		video:  NewMailbox[camera.Frame](),
		tools:  make(chan tools.Result, toolQueue),
	}
}

// detach cuts the connection off from the session. After it returns no
// further log entries or sends originate from c.
func (c *connection) detach() {
	c.cancel()
	c.gate.Lock()
	c.closed = true
	c.gate.Unlock()
}

// shutdown releases the channel and waits for the read and write loops.
// In-flight tool calls are abandoned, not awaited.
func (c *connection) shutdown() {
	c.once.Do(func() {
		c.detach()
		if c.ch != nil {
			_ = c.ch.Close()
		}
		if c.dispatcher != nil {
			c.dispatcher.Abandon()
		}
	})
	c.wg.Wait()
}

// writeLoop is the only sender on the channel. Tool responses go first so a
// media backlog never stalls the model's turn.
func (s *Session) writeLoop(c *connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case res := <-c.tools:
			if !s.send(c, Outbound{Kind: OutboundToolResponse, Responses: []tools.Result{res}}) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case res := <-c.tools:
			if !s.send(c, Outbound{Kind: OutboundToolResponse, Responses: []tools.Result{res}}) {
				return
			}
		case chunk := <-c.audio:
			if !s.send(c, Outbound{Kind: OutboundAudio, Audio: chunk}) {
				return
			}
		case <-c.video.Ready():
			frame, ok := c.video.Take()
			if !ok {
				continue
			}
			if !s.send(c, Outbound{Kind: OutboundVideo, Frame: frame}) {
				return
			}
		}
	}
}

// send writes one message if c is still live. It returns false when the
// loop should stop.
func (s *Session) send(c *connection, msg Outbound) bool {
	if !s.live(c) {
		return c.ctx.Err() == nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.WriteTimeout)
	err := c.ch.Send(ctx, msg)
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			return false
		}
		s.fail(c, fmt.Errorf("send on live channel: %w", err))
		return false
	}

	switch msg.Kind {
	case OutboundAudio:
		s.stats.audioSent.Add(1)
		s.metrics.mediaSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "audio")))
	case OutboundVideo:
		s.stats.framesSent.Add(1)
		s.metrics.mediaSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "video")))
	case OutboundToolResponse:
		s.stats.toolResponses.Add(uint64(len(msg.Responses)))
	}
	return true
}
