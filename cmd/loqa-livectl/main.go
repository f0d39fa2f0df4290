package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code. Deferred
// cleanup completes before main exits.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "expected 'connect', 'disconnect', 'watch' or 'version'")
		return 2
	}

	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.SetOutput(stderr)
	servers := cmd.String("servers", "nats://localhost:4222", "Comma separated NATS servers")
	token := cmd.String("token", "", "NATS auth token")
	timeout := cmd.Duration("timeout", 20*time.Second, "Control request timeout")

	switch args[0] {
	case "connect", "disconnect":
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		client, err := dial(*servers, *token)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer client.Close()
		reply, err := control(client, args[0], *timeout)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, reply.State)
		if reply.Error != "" {
			fmt.Fprintln(stderr, reply.Error)
			return 1
		}
	case "watch":
		if err := cmd.Parse(args[1:]); err != nil {
			return 2
		}
		client, err := dial(*servers, *token)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer client.Close()
		if err := watch(client, stdout); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return 2
	}
	return 0
}

func dial(servers, token string) (*bus.Client, error) {
	cfg := config.BusConfig{
		Servers:        strings.Split(servers, ","),
		Token:          token,
		ConnectTimeout: 2000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), "loqa-livectl", cfg, logger)
}

func control(client *bus.Client, action string, timeout time.Duration) (protocol.ControlReply, error) {
	var reply protocol.ControlReply
	data, err := json.Marshal(protocol.ControlRequest{Action: action})
	if err != nil {
		return reply, err
	}
	msg, err := client.Conn().Request(protocol.SubjectControl, data, timeout)
	if err != nil {
		return reply, fmt.Errorf("control request: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("decode control reply: %w", err)
	}
	return reply, nil
}

// watch prints state changes and log entries until interrupted.
func watch(client *bus.Client, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	onState := func(msg *nats.Msg) {
		var state protocol.StateMessage
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			return
		}
		line := fmt.Sprintf("%s state %s", state.Timestamp.Format(time.TimeOnly), state.State)
		if state.Error != "" {
			line += ": " + state.Error
		}
		fmt.Fprintln(out, line)
	}
	onMessage := func(msg *nats.Msg) {
		var entry protocol.LogMessage
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			return
		}
		line := fmt.Sprintf("%s %-5s %s", entry.Entry.Timestamp.Format(time.TimeOnly), entry.Entry.Role, entry.Entry.Text)
		if entry.ImageURI != "" {
			line += " [image]"
		}
		fmt.Fprintln(out, line)
	}

	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectState:   onState,
		protocol.SubjectMessage: onMessage,
	} {
		sub, err := client.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}

	<-ctx.Done()
	return nil
}
