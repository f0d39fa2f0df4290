package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

type mockSource struct {
	sampleRate int
	channels   int
	duration   time.Duration
}

// NewMockSource produces paced silence.
func NewMockSource(sampleRate, channels, frameDurationMS int) Source {
	return &mockSource{
		sampleRate: sampleRate,
		channels:   channels,
		duration:   time.Duration(frameDurationMS) * time.Millisecond,
	}
}

func (m *mockSource) Open(context.Context) (Stream, error) {
	return &mockStream{src: m, ticker: time.NewTicker(m.duration)}, nil
}

type mockStream struct {
	src    *mockSource
	ticker *time.Ticker
}

func (s *mockStream) Read(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-s.ticker.C:
	}
	size := ChunkBytes(s.src.sampleRate, s.src.channels, int(s.src.duration/time.Millisecond))
	return Chunk{PCM: make([]byte, size), SampleRate: s.src.sampleRate, Channels: s.src.channels}, nil
}

func (s *mockStream) Close() error {
	s.ticker.Stop()
	return nil
}

type execSource struct {
	cmd        []string
	sampleRate int
	channels   int
	chunkBytes int
}

// NewExecSource runs a recorder that writes raw s16le PCM to stdout,
// e.g. "arecord -q -f S16_LE -r 16000 -c 1 -t raw".
func NewExecSource(command string, sampleRate, channels, frameDurationMS int) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse microphone command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("microphone command empty")
	}
	return &execSource{
		cmd:        args,
		sampleRate: sampleRate,
		channels:   channels,
		chunkBytes: ChunkBytes(sampleRate, channels, frameDurationMS),
	}, nil
}

func (e *execSource) Open(ctx context.Context) (Stream, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, e.cmd[0], e.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start microphone command: %w", err)
	}
	return &execStream{src: e, cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

type execStream struct {
	src    *execSource
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
}

func (s *execStream) Read(ctx context.Context) (Chunk, error) {
	buf := make([]byte, s.src.chunkBytes)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		if ctx.Err() != nil {
			return Chunk{}, ctx.Err()
		}
		return Chunk{}, err
	}
	return Chunk{PCM: buf, SampleRate: s.src.sampleRate, Channels: s.src.channels}, nil
}

func (s *execStream) Close() error {
	s.cancel()
	_ = s.stdout.Close()
	_ = s.cmd.Wait()
	return nil
}
