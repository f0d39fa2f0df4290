package live

import (
	"context"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/tools"
)

type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventText
	EventVolume
	EventToolCall
	EventToolCancel
	EventInputTranscript
	EventInterrupted
	EventTurnComplete
	EventGoAway
)

// InboundEvent is one decoded message from the model. Only the fields for
// Kind are set.
type InboundEvent struct {
	Kind      EventKind
	Audio     audio.Chunk
	Text      string
	Volume    float64
	ToolCalls []tools.Call
	CancelIDs []string
}

type OutboundKind int

const (
	OutboundAudio OutboundKind = iota + 1
	OutboundVideo
	OutboundToolResponse
)

// Outbound is one message for the model.
type Outbound struct {
	Kind      OutboundKind
	Audio     audio.Chunk
	Frame     camera.Frame
	Responses []tools.Result
}

// Channel is an open streaming connection. Send is called from one goroutine
// and Receive from another.
type Channel interface {
	Send(ctx context.Context, msg Outbound) error
	Receive(ctx context.Context) (InboundEvent, error)
	Close() error
}

// Dialer opens the streaming channel, completing any session handshake.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}
