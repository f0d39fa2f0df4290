package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Capture runs the microphone while active and hands every chunk to onChunk.
type Capture struct {
	source  Source
	onChunk func(Chunk)
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCapture(source Source, onChunk func(Chunk), logger *slog.Logger) *Capture {
	return &Capture{
		source:  source,
		onChunk: onChunk,
		log:     logger.With(slog.String("component", "microphone")),
	}
}

// SetActive starts or stops capture. Stopping waits until the device is released.
func (c *Capture) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !active {
		if c.cancel != nil {
			c.cancel()
			<-c.done
			c.cancel = nil
			c.done = nil
		}
		return
	}
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

func (c *Capture) run(ctx context.Context) {
	stream, err := c.source.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("microphone unavailable, continuing without audio input", slogError(err))
		}
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			c.log.Debug("microphone release failed", slogError(err))
		}
	}()

	for {
		chunk, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("microphone read failed", slogError(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.onChunk(chunk)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
