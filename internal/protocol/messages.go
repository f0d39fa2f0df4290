package protocol

import (
	"time"

	"github.com/loqalabs/loqa-live/internal/msglog"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// VideoFrame is an encoded camera still pushed by an edge device.
type VideoFrame struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	MIMEType   string    `json:"mime_type"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// StateMessage announces a connection state change.
type StateMessage struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VolumeMessage carries the latest model output level (0.0-1.0).
type VolumeMessage struct {
	SessionID string  `json:"session_id"`
	Level     float64 `json:"level"`
}

// LogMessage mirrors a message log entry. Image bytes travel as a data URI.
type LogMessage struct {
	SessionID string       `json:"session_id"`
	Entry     msglog.Entry `json:"entry"`
	ImageURI  string       `json:"image_uri,omitempty"`
}

// ModelAudio is a chunk of model speech for playback on an edge device.
type ModelAudio struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// ControlRequest asks the daemon to connect or disconnect the session.
type ControlRequest struct {
	Action string `json:"action"`
}

// ControlReply answers a ControlRequest with the resulting state.
type ControlReply struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectVideoFramePrefix = "video.frame"
	SubjectControl          = "live.control"
	SubjectState            = "live.state"
	SubjectVolume           = "live.volume"
	SubjectMessage          = "live.message"
	SubjectModelAudio       = "live.audio.out"

	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
)
