package live

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-live/internal/msglog"
)

// turn accumulates the text of the model turn in progress. Only the read
// loop touches it.
type turn struct {
	model strings.Builder
	user  strings.Builder
}

func (s *Session) readLoop(c *connection) {
	var t turn
	for {
		ev, err := c.ch.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			s.fail(c, fmt.Errorf("receive on live channel: %w", err))
			return
		}
		if !s.route(c, &t, ev) {
			s.stats.eventsDiscarded.Add(1)
			if c.ctx.Err() != nil {
				return
			}
		}
	}
}

// route applies one event in arrival order. It returns false when the event
// was discarded because c is no longer live.
func (s *Session) route(c *connection, t *turn, ev InboundEvent) bool {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.closed {
		return false
	}

	switch ev.Kind {
	case EventAudio:
		s.flushUser(t)
		if s.cfg.Playback != nil && len(ev.Audio.PCM) > 0 {
			s.cfg.Playback.Play(ev.Audio)
		}
	case EventVolume:
		s.setVolume(ev.Volume)
	case EventText:
		s.flushUser(t)
		t.model.WriteString(ev.Text)
	case EventInputTranscript:
		t.user.WriteString(ev.Text)
	case EventToolCall:
		s.flushUser(t)
		// Dispatch returns immediately; results come back through toolSink.
		for _, call := range ev.ToolCalls {
			c.dispatcher.Dispatch(call)
		}
	case EventToolCancel:
		c.dispatcher.Cancel(ev.CancelIDs...)
	case EventInterrupted:
		s.log.Debug("model turn interrupted")
	case EventTurnComplete:
		s.finishTurn(c, t)
	case EventGoAway:
		s.log.Warn("server is closing the live channel soon")
	default:
		s.log.Debug("ignoring unknown inbound event", slog.Int("kind", int(ev.Kind)))
	}
	return true
}

// flushUser logs the pending user transcript ahead of anything the model
// produces for it. Turns with no model-side event are flushed by finishTurn.
func (s *Session) flushUser(t *turn) {
	if text := strings.TrimSpace(t.user.String()); text != "" {
		s.msgs.Append(msglog.Draft{Role: msglog.RoleUser, Text: text})
	}
	t.user.Reset()
}

func (s *Session) finishTurn(c *connection, t *turn) {
	s.flushUser(t)
	if text := strings.TrimSpace(t.model.String()); text != "" {
		s.msgs.Append(msglog.Draft{Role: msglog.RoleModel, Text: text})
	}
	t.model.Reset()
	c.dispatcher.EndTurn()
}
