package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

// startResponder answers control requests with reply on an embedded server.
func startResponder(t *testing.T, reply protocol.ControlReply) string {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	data, _ := json.Marshal(reply)
	if _, err := nc.Subscribe(protocol.SubjectControl, func(msg *nats.Msg) { _ = msg.Respond(data) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return srv.ClientURL()
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 without a command, got %d", code)
	}
	if code := run([]string{"reboot"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for unknown command, got %d", code)
	}
	if code := run([]string{"connect", "-bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2 for bad flag, got %d", code)
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if strings.TrimSpace(stdout.String()) != version {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func TestRunConnectPrintsState(t *testing.T) {
	url := startResponder(t, protocol.ControlReply{State: "connected"})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"connect", "-servers", url, "-timeout", "2s"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "connected" {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestRunReturnsFailureOnReplyError(t *testing.T) {
	url := startResponder(t, protocol.ControlReply{State: "error", Error: "open live channel: refused"})

	var stdout, stderr bytes.Buffer
	if code := run([]string{"connect", "-servers", url, "-timeout", "2s"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "refused") {
		t.Fatalf("expected reply error on stderr, got %q", stderr.String())
	}
}

func TestRunReportsUnreachableBus(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"disconnect", "-servers", "nats://127.0.0.1:1", "-timeout", "1s"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
