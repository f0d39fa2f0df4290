package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

type mockSource struct {
	width  int
	height int
}

// NewMockSource renders a moving test pattern at the configured resolution.
func NewMockSource(width, height int) Source {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &mockSource{width: width, height: height}
}

func (m *mockSource) Open(context.Context) (Device, error) {
	return &mockDevice{width: m.width, height: m.height}, nil
}

type mockDevice struct {
	width  int
	height int
	frame  int
}

func (d *mockDevice) Capture(context.Context) (image.Image, error) {
	d.frame++
	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	shift := d.frame * 8
	for y := 0; y < d.height; y++ {
		for x := 0; x < d.width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x + shift), G: uint8(y), B: 128, A: 255})
		}
	}
	return img, nil
}

func (d *mockDevice) Close() error { return nil }

type execSource struct {
	cmd     []string
	timeout time.Duration
}

// NewExecSource captures each still by running a command that writes one
// JPEG or PNG image to stdout, e.g.
// "ffmpeg -loglevel error -f v4l2 -video_size 640x480 -i /dev/video0 -frames:v 1 -f image2pipe -".
func NewExecSource(command string, timeout time.Duration) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse camera command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("camera command empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &execSource{cmd: args, timeout: timeout}, nil
}

func (e *execSource) Open(ctx context.Context) (Device, error) {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return nil, fmt.Errorf("camera command unavailable: %w", err)
	}
	return &execDevice{src: e}, nil
}

type execDevice struct {
	src *execSource
}

func (d *execDevice) Capture(ctx context.Context) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, d.src.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.src.cmd[0], d.src.cmd[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("camera command failed: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode camera still: %w", err)
	}
	return img, nil
}

func (d *execDevice) Close() error { return nil }
