// Package camera samples still frames from a video device at a fixed cadence.
package camera

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"
)

// Frame is an encoded still and the moment it was captured.
type Frame struct {
	Data       []byte
	MIMEType   string
	CapturedAt time.Time
}

// Source opens the video device. Device.Close must release the hardware.
type Source interface {
	Open(ctx context.Context) (Device, error)
}

type Device interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

type Options struct {
	Interval time.Duration
	Quality  int
}

// Sampler emits a JPEG still every Interval while active.
type Sampler struct {
	source  Source
	opts    Options
	onFrame func(Frame)
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSampler(source Source, opts Options, onFrame func(Frame), logger *slog.Logger) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 70
	}
	return &Sampler{
		source:  source,
		opts:    opts,
		onFrame: onFrame,
		log:     logger.With(slog.String("component", "camera")),
		now:     time.Now,
	}
}

// SetActive starts or stops sampling. When it returns false-side, no further
// frames are delivered and the device has been released.
func (s *Sampler) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !active {
		if s.cancel != nil {
			s.cancel()
			<-s.done
			s.cancel = nil
			s.done = nil
		}
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		s.run(ctx)
	}()
}

func (s *Sampler) run(ctx context.Context) {
	dev, err := s.source.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("camera access failed, continuing without video", slogError(err))
		}
		return
	}
	defer func() {
		if err := dev.Close(); err != nil {
			s.log.Debug("camera release failed", slogError(err))
		}
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		img, err := dev.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("frame capture skipped", slogError(err))
			continue
		}
		frame, err := Encode(img, s.opts.Quality, s.now())
		if err != nil {
			s.log.Warn("frame encode failed", slogError(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.onFrame(frame)
	}
}

// Encode compresses img as JPEG at its own resolution.
func Encode(img image.Image, quality int, capturedAt time.Time) (Frame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, err
	}
	return Frame{Data: buf.Bytes(), MIMEType: "image/jpeg", CapturedAt: capturedAt}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
