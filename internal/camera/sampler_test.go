package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingSource struct {
	openErr  error
	opened   atomic.Int32
	released atomic.Int32
}

func (c *countingSource) Open(ctx context.Context) (Device, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opened.Add(1)
	return &countingDevice{src: c}, nil
}

type countingDevice struct{ src *countingSource }

func (d *countingDevice) Capture(context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 32, 24)), nil
}

func (d *countingDevice) Close() error {
	d.src.released.Add(1)
	return nil
}

func TestSamplerCadence(t *testing.T) {
	src := &countingSource{}
	var frames atomic.Int32
	s := NewSampler(src, Options{Interval: 50 * time.Millisecond, Quality: 70}, func(f Frame) {
		if f.MIMEType != "image/jpeg" || len(f.Data) == 0 {
			t.Errorf("unexpected frame %+v", f)
		}
		frames.Add(1)
	}, newLogger())

	s.SetActive(true)
	time.Sleep(100 * time.Millisecond)
	s.SetActive(false)

	got := frames.Load()
	if got < 1 || got > 3 {
		t.Fatalf("expected 2±1 frames for two periods, got %d", got)
	}
	if src.released.Load() != 1 {
		t.Fatalf("expected device released, got %d", src.released.Load())
	}
}

func TestSamplerInactiveEmitsNothing(t *testing.T) {
	src := &countingSource{}
	s := NewSampler(src, Options{Interval: 10 * time.Millisecond}, func(Frame) {
		t.Error("frame while inactive")
	}, newLogger())
	s.SetActive(false)
	time.Sleep(30 * time.Millisecond)
	if src.opened.Load() != 0 {
		t.Fatal("device acquired while inactive")
	}
}

func TestSamplerOpenFailure(t *testing.T) {
	src := &countingSource{openErr: errors.New("NotAllowedError")}
	s := NewSampler(src, Options{Interval: 10 * time.Millisecond}, func(Frame) {
		t.Error("frame without device")
	}, newLogger())
	s.SetActive(true)
	time.Sleep(20 * time.Millisecond)
	s.SetActive(false)
}

func TestEncodeKeepsResolution(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	frame, err := Encode(img, 70, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bounds().Dx() != 64 || decoded.Bounds().Dy() != 48 {
		t.Fatalf("unexpected bounds %v", decoded.Bounds())
	}
}

func TestMockSourceCapture(t *testing.T) {
	dev, err := NewMockSource(8, 6).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	img, err := dev.Capture(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 8 {
		t.Fatalf("unexpected width %d", img.Bounds().Dx())
	}
}
