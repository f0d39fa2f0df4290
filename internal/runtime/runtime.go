package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/bridge"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/camera"
	"github.com/loqalabs/loqa-live/internal/capability"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/tools"
	"github.com/loqalabs/loqa-live/internal/transport"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	bridge  *bridge.Service
	session *live.Session
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	a := &api{
		session: r.session,
		store:   r.store,
		ready:   r.healthy,
		metrics: r.metrics,
		log:     r.logger.With(slog.String("component", "api")),
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := r.store.Prune(gctx); err != nil {
					r.logger.Warn("event store prune failed", slogError(err))
				}
			}
		}
	})
	if r.cfg.Live.AutoConnect {
		g.Go(func() error {
			if err := r.session.Connect(gctx); err != nil {
				r.logger.Warn("auto connect failed", slogError(err))
			}
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.session.ID()))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	r.teardown()
	return err
}

// build assembles the bus, journal, live session and bridge from config.
func (r *Runtime) build(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			ns, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded NATS: %w", err)
			}
			r.nats = ns
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	provider, err := r.buildProvider(ctx)
	if err != nil {
		return err
	}

	r.bridge = bridge.NewService(ctx, bridge.Options{
		Model:        r.cfg.Live.Model,
		AudioFromBus: r.cfg.Microphone.Enabled && r.cfg.Microphone.Mode == "bus",
		VideoFromBus: r.cfg.Camera.Enabled && r.cfg.Camera.Mode == "bus",
	}, r.bus, r.store, r.logger)

	mic, err := r.buildMicrophone()
	if err != nil {
		return err
	}
	cam, err := r.buildCamera()
	if err != nil {
		return err
	}

	dialer := transport.NewDialer(transport.Options{
		Endpoint:          r.cfg.Live.Endpoint,
		APIKey:            r.cfg.Live.APIKey,
		Model:             r.cfg.Live.Model,
		Voice:             r.cfg.Live.Voice,
		SystemInstruction: r.cfg.Live.SystemInstruction,
		InputSampleRate:   r.cfg.Live.InputSampleRate,
		OutputSampleRate:  r.cfg.Live.OutputSampleRate,
		DialTimeout:       time.Duration(r.cfg.Live.DialTimeoutMS) * time.Millisecond,
		MaxMessageBytes:   r.cfg.Live.MaxMessageBytes,
		Tools:             tools.Declarations(),
	}, r.logger)

	session, err := live.New(live.Config{
		Dialer:     dialer,
		Provider:   provider,
		Microphone: mic,
		Camera:     cam,
		CameraOptions: camera.Options{
			Interval: time.Duration(r.cfg.Camera.FrameIntervalMS) * time.Millisecond,
			Quality:  r.cfg.Camera.JPEGQuality,
		},
		Playback: r.bridge,
		Tools: tools.Options{
			Timeout:       time.Duration(r.cfg.Tools.TimeoutMS) * time.Millisecond,
			DedupCapacity: r.cfg.Tools.DedupCapacity,
		},
		WriteTimeout:  time.Duration(r.cfg.Live.WriteTimeoutMS) * time.Millisecond,
		ToolQueueSize: r.cfg.Live.ToolQueueSize,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create live session: %w", err)
	}
	r.session = session

	r.bridge.Attach(session)
	session.SetObserver(r.bridge.Observer())
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	return nil
}

func (r *Runtime) buildProvider(ctx context.Context) (capability.Provider, error) {
	switch r.cfg.Tools.Mode {
	case "mock":
		r.logger.Info("using mock capability provider")
		return capability.NewMockProvider(), nil
	case "gemini":
		key := r.cfg.Tools.APIKey
		if key == "" {
			key = r.cfg.Live.APIKey
		}
		provider, err := capability.NewGeminiProvider(ctx, capability.GeminiOptions{
			APIKey:      key,
			SearchModel: r.cfg.Tools.SearchModel,
			ImageModel:  r.cfg.Tools.ImageModel,
			AspectRatio: r.cfg.Tools.AspectRatio,
			ImageSize:   r.cfg.Tools.ImageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create capability provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown tools mode %q", r.cfg.Tools.Mode)
	}
}

func (r *Runtime) buildMicrophone() (audio.Source, error) {
	mc := r.cfg.Microphone
	if !mc.Enabled {
		return nil, nil
	}
	switch mc.Mode {
	case "mock":
		return audio.NewMockSource(mc.SampleRate, mc.Channels, mc.FrameDurationMS), nil
	case "exec":
		src, err := audio.NewExecSource(mc.Command, mc.SampleRate, mc.Channels, mc.FrameDurationMS)
		if err != nil {
			return nil, fmt.Errorf("failed to create microphone source: %w", err)
		}
		return src, nil
	case "bus":
		if r.bus == nil {
			r.logger.Warn("microphone mode is bus but the bus is disabled; no audio will be captured")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown microphone mode %q", mc.Mode)
	}
}

func (r *Runtime) buildCamera() (camera.Source, error) {
	cc := r.cfg.Camera
	if !cc.Enabled {
		return nil, nil
	}
	switch cc.Mode {
	case "mock":
		return camera.NewMockSource(cc.Width, cc.Height), nil
	case "exec":
		src, err := camera.NewExecSource(cc.Command, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to create camera source: %w", err)
		}
		return src, nil
	case "bus":
		if r.bus == nil {
			r.logger.Warn("camera mode is bus but the bus is disabled; no frames will be captured")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown camera mode %q", cc.Mode)
	}
}

// teardown releases everything build acquired, newest first.
func (r *Runtime) teardown() {
	if r.session != nil {
		r.session.Disconnect()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	return r.bridge == nil || r.bridge.Healthy()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
