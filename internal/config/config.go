package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Live        LiveConfig       `yaml:"live"`
	Tools       ToolsConfig      `yaml:"tools"`
	Camera      CameraConfig     `yaml:"camera"`
	Microphone  MicrophoneConfig `yaml:"microphone"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// LiveConfig describes the streaming channel to the remote model.
type LiveConfig struct {
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	InputSampleRate   int    `yaml:"input_sample_rate"`
	OutputSampleRate  int    `yaml:"output_sample_rate"`
	DialTimeoutMS     int    `yaml:"dial_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	MaxMessageBytes   int64  `yaml:"max_message_bytes"`
	ToolQueueSize     int    `yaml:"tool_queue_size"`
	AutoConnect       bool   `yaml:"auto_connect"`
}

type ToolsConfig struct {
	Mode          string `yaml:"mode"` // mock, gemini
	APIKey        string `yaml:"api_key"`
	SearchModel   string `yaml:"search_model"`
	ImageModel    string `yaml:"image_model"`
	AspectRatio   string `yaml:"aspect_ratio"`
	ImageSize     string `yaml:"image_size"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	DedupCapacity int    `yaml:"dedup_capacity"`
}

type CameraConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, bus
	Command         string `yaml:"command"`
	FrameIntervalMS int    `yaml:"frame_interval_ms"`
	JPEGQuality     int    `yaml:"jpeg_quality"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
}

type MicrophoneConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, bus
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-live.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Live: LiveConfig{
			Endpoint:         "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model:            "models/gemini-2.5-flash-native-audio-preview-09-2025",
			Voice:            "Charon",
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			DialTimeoutMS:    15000,
			WriteTimeoutMS:   5000,
			MaxMessageBytes:  16 * 1024 * 1024,
			ToolQueueSize:    16,
		},
		Tools: ToolsConfig{
			Mode:          "gemini",
			SearchModel:   "gemini-2.5-flash",
			ImageModel:    "gemini-3-pro-image-preview",
			AspectRatio:   "16:9",
			ImageSize:     "1K",
			TimeoutMS:     60000,
			DedupCapacity: 256,
		},
		Camera: CameraConfig{
			Enabled:         true,
			Mode:            "mock",
			FrameIntervalMS: 500,
			JPEGQuality:     70,
			Width:           640,
			Height:          480,
		},
		Microphone: MicrophoneConfig{
			Enabled:         true,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Live.Endpoint, "LOQA_LIVE_ENDPOINT")
	overrideString(&cfg.Live.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Live.APIKey, "LOQA_LIVE_API_KEY")
	overrideString(&cfg.Live.Model, "LOQA_LIVE_MODEL")
	overrideString(&cfg.Live.Voice, "LOQA_LIVE_VOICE")
	overrideString(&cfg.Live.SystemInstruction, "LOQA_LIVE_SYSTEM_INSTRUCTION")
	overrideInt(&cfg.Live.InputSampleRate, "LOQA_LIVE_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Live.OutputSampleRate, "LOQA_LIVE_OUTPUT_SAMPLE_RATE")
	overrideInt(&cfg.Live.DialTimeoutMS, "LOQA_LIVE_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Live.WriteTimeoutMS, "LOQA_LIVE_WRITE_TIMEOUT_MS")
	overrideBool(&cfg.Live.AutoConnect, "LOQA_LIVE_AUTO_CONNECT")
	overrideString(&cfg.Tools.Mode, "LOQA_TOOLS_MODE")
	overrideString(&cfg.Tools.APIKey, "LOQA_TOOLS_API_KEY")
	overrideString(&cfg.Tools.SearchModel, "LOQA_TOOLS_SEARCH_MODEL")
	overrideString(&cfg.Tools.ImageModel, "LOQA_TOOLS_IMAGE_MODEL")
	overrideString(&cfg.Tools.AspectRatio, "LOQA_TOOLS_ASPECT_RATIO")
	overrideString(&cfg.Tools.ImageSize, "LOQA_TOOLS_IMAGE_SIZE")
	overrideInt(&cfg.Tools.TimeoutMS, "LOQA_TOOLS_TIMEOUT_MS")
	overrideInt(&cfg.Tools.DedupCapacity, "LOQA_TOOLS_DEDUP_CAPACITY")
	overrideBool(&cfg.Camera.Enabled, "LOQA_CAMERA_ENABLED")
	overrideString(&cfg.Camera.Mode, "LOQA_CAMERA_MODE")
	overrideString(&cfg.Camera.Command, "LOQA_CAMERA_COMMAND")
	overrideInt(&cfg.Camera.FrameIntervalMS, "LOQA_CAMERA_FRAME_INTERVAL_MS")
	overrideInt(&cfg.Camera.JPEGQuality, "LOQA_CAMERA_JPEG_QUALITY")
	overrideBool(&cfg.Microphone.Enabled, "LOQA_MICROPHONE_ENABLED")
	overrideString(&cfg.Microphone.Mode, "LOQA_MICROPHONE_MODE")
	overrideString(&cfg.Microphone.Command, "LOQA_MICROPHONE_COMMAND")
	overrideInt(&cfg.Microphone.SampleRate, "LOQA_MICROPHONE_SAMPLE_RATE")
	overrideInt(&cfg.Microphone.Channels, "LOQA_MICROPHONE_CHANNELS")
	overrideInt(&cfg.Microphone.FrameDurationMS, "LOQA_MICROPHONE_FRAME_DURATION_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg *Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	if cfg.Live.Endpoint == "" {
		return errors.New("live.endpoint must not be empty")
	}
	if cfg.Live.Model == "" {
		return errors.New("live.model must not be empty")
	}
	if strings.HasPrefix(cfg.Live.Endpoint, "wss://generativelanguage.googleapis.com") && cfg.Live.APIKey == "" {
		return errors.New("live.api_key must be set for the hosted endpoint (or set GEMINI_API_KEY)")
	}
	if cfg.Live.InputSampleRate <= 0 || cfg.Live.OutputSampleRate <= 0 {
		return errors.New("live sample rates must be positive")
	}
	if cfg.Live.DialTimeoutMS <= 0 {
		return errors.New("live.dial_timeout_ms must be positive")
	}
	if cfg.Live.ToolQueueSize <= 0 {
		cfg.Live.ToolQueueSize = 16
	}

	switch cfg.Tools.Mode {
	case "mock":
	case "gemini":
		if cfg.Tools.APIKey == "" {
			cfg.Tools.APIKey = cfg.Live.APIKey
		}
		if cfg.Tools.APIKey == "" {
			return errors.New("tools.api_key must be set when mode=gemini")
		}
	default:
		return errors.New("tools.mode must be one of mock|gemini")
	}
	if cfg.Tools.DedupCapacity <= 0 {
		return errors.New("tools.dedup_capacity must be >= 1")
	}
	if cfg.Tools.TimeoutMS <= 0 {
		return errors.New("tools.timeout_ms must be positive")
	}

	if cfg.Camera.Enabled {
		switch cfg.Camera.Mode {
		case "mock", "exec", "bus":
		default:
			return errors.New("camera.mode must be one of mock|exec|bus")
		}
		if cfg.Camera.Mode == "exec" && cfg.Camera.Command == "" {
			return errors.New("camera.command must be set when mode=exec")
		}
		if cfg.Camera.Mode == "bus" && !cfg.Bus.Enabled {
			return errors.New("camera.mode=bus requires bus.enabled")
		}
		if cfg.Camera.FrameIntervalMS <= 0 {
			return errors.New("camera.frame_interval_ms must be positive")
		}
		if cfg.Camera.JPEGQuality < 1 || cfg.Camera.JPEGQuality > 100 {
			return errors.New("camera.jpeg_quality must be between 1 and 100")
		}
	}
	if cfg.Microphone.Enabled {
		switch cfg.Microphone.Mode {
		case "mock", "exec", "bus":
		default:
			return errors.New("microphone.mode must be one of mock|exec|bus")
		}
		if cfg.Microphone.Mode == "exec" && cfg.Microphone.Command == "" {
			return errors.New("microphone.command must be set when mode=exec")
		}
		if cfg.Microphone.Mode == "bus" && !cfg.Bus.Enabled {
			return errors.New("microphone.mode=bus requires bus.enabled")
		}
		if cfg.Microphone.SampleRate <= 0 {
			return errors.New("microphone.sample_rate must be positive")
		}
		if cfg.Microphone.Channels <= 0 {
			return errors.New("microphone.channels must be positive")
		}
		if cfg.Microphone.FrameDurationMS <= 0 {
			return errors.New("microphone.frame_duration_ms must be positive")
		}
	}
	return nil
}
