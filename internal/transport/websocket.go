// Package transport speaks the Gemini Live BidiGenerateContent protocol over
// a WebSocket and exposes it as a live.Channel.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/tools"
)

const closeGrace = time.Second

// ErrSetupRejected is returned when the server closes before setupComplete.
var ErrSetupRejected = errors.New("live setup rejected")

type Options struct {
	Endpoint          string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
	DialTimeout       time.Duration
	MaxMessageBytes   int64
	Tools             []tools.Declaration
}

type Dialer struct {
	opts Options
	log  *slog.Logger
}

func NewDialer(opts Options, logger *slog.Logger) *Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 16 * 1024 * 1024
	}
	if opts.InputSampleRate <= 0 {
		opts.InputSampleRate = 16000
	}
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = 24000
	}
	return &Dialer{opts: opts, log: logger.With(slog.String("component", "transport"))}
}

// Dial opens the socket, sends the setup message and waits for setupComplete.
func (d *Dialer) Dial(ctx context.Context) (live.Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: d.opts.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	header := http.Header{}
	if d.opts.APIKey != "" {
		header.Set("x-goog-api-key", d.opts.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, d.opts.Endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial live endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial live endpoint: %w", err)
	}
	conn.SetReadLimit(d.opts.MaxMessageBytes)

	// Unblock the handshake reads if the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := d.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	d.log.Debug("live setup complete", slog.String("model", d.opts.Model))
	return &channel{conn: conn, opts: d.opts, log: d.log}, nil
}

func (d *Dialer) handshake(ctx context.Context, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(clientMessage{Setup: d.setupMessage()}); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("%w: %s", ErrSetupRejected, closeErr.Text)
			}
			return fmt.Errorf("await setup complete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode setup reply: %w", err)
		}
		if msg.SetupComplete != nil {
			break
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

func (d *Dialer) setupMessage() *setup {
	s := &setup{
		Model: modelPath(d.opts.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if d.opts.Voice != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: d.opts.Voice}},
		}
	}
	if d.opts.SystemInstruction != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: d.opts.SystemInstruction}}}
	}
	if len(d.opts.Tools) > 0 {
		s.Tools = []toolSet{{FunctionDeclarations: d.opts.Tools}}
	}
	return s
}

func modelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

type channel struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex
	pending []live.InboundEvent

	closeOnce sync.Once
	closeErr  error
}

func (c *channel) Send(ctx context.Context, msg live.Outbound) error {
	payload, err := c.encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write live message: %w", err)
	}
	return nil
}

func (c *channel) encode(msg live.Outbound) ([]byte, error) {
	var out clientMessage
	switch msg.Kind {
	case live.OutboundAudio:
		rate := msg.Audio.SampleRate
		if rate <= 0 {
			rate = c.opts.InputSampleRate
		}
		out.RealtimeInput = &realtimeInput{Audio: &blob{
			MIMEType: "audio/pcm;rate=" + strconv.Itoa(rate),
			Data:     base64.StdEncoding.EncodeToString(msg.Audio.PCM),
		}}
	case live.OutboundVideo:
		mime := msg.Frame.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		out.RealtimeInput = &realtimeInput{Video: &blob{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(msg.Frame.Data),
		}}
	case live.OutboundToolResponse:
		responses := make([]functionResponse, 0, len(msg.Responses))
		for _, r := range msg.Responses {
			responses = append(responses, functionResponse{ID: r.CallID, Name: r.Name, Response: r.Response})
		}
		out.ToolResponse = &toolResponse{FunctionResponses: responses}
	default:
		return nil, fmt.Errorf("unsupported outbound kind %d", msg.Kind)
	}
	return json.Marshal(out)
}

// Receive returns the next event. One server message can carry several
// events; they are returned in wire order.
func (c *channel) Receive(ctx context.Context) (live.InboundEvent, error) {
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return live.InboundEvent{}, err
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return live.InboundEvent{}, fmt.Errorf("read live message: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping undecodable server message", slogError(err))
			continue
		}
		c.pending = c.decode(msg)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *channel) decode(msg serverMessage) []live.InboundEvent {
	var events []live.InboundEvent
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			events = append(events, live.InboundEvent{Kind: live.EventInterrupted})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, live.InboundEvent{Kind: live.EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				events = append(events, c.decodePart(p)...)
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, live.InboundEvent{Kind: live.EventText, Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			events = append(events, live.InboundEvent{Kind: live.EventTurnComplete})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]tools.Call, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		events = append(events, live.InboundEvent{Kind: live.EventToolCall, ToolCalls: calls})
	}
	if cancel := msg.ToolCallCancellation; cancel != nil && len(cancel.IDs) > 0 {
		events = append(events, live.InboundEvent{Kind: live.EventToolCancel, CancelIDs: cancel.IDs})
	}
	if msg.GoAway != nil {
		events = append(events, live.InboundEvent{Kind: live.EventGoAway})
	}
	return events
}

func (c *channel) decodePart(p part) []live.InboundEvent {
	if p.Thought {
		return nil
	}
	if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm") {
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			c.log.Warn("dropping undecodable audio part", slogError(err))
			return nil
		}
		chunk := audio.Chunk{PCM: pcm, SampleRate: sampleRate(p.InlineData.MIMEType, c.opts.OutputSampleRate), Channels: 1}
		return []live.InboundEvent{
			{Kind: live.EventAudio, Audio: chunk},
			{Kind: live.EventVolume, Volume: audio.Level(pcm)},
		}
	}
	if p.Text != "" {
		return []live.InboundEvent{{Kind: live.EventText, Text: p.Text}}
	}
	return nil
}

// sampleRate reads the rate parameter of "audio/pcm;rate=24000".
func sampleRate(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
