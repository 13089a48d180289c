// Package config provides the configuration schema and loader for the voxlink
// voice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = "127.0.0.1:8765"
	DefaultServiceURL       = "ws://localhost:8080/listen"
	DefaultDialTimeout      = 10 * time.Second
	DefaultReadLimit        = 1 << 20
	DefaultSendBuffer       = 64
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultOutputGain       = 0.8
	DefaultBargeInThreshold = 0.04
	DefaultLogInterval      = 15 * time.Second
	DefaultLogMaxEntries    = 500
	DefaultServiceName      = "voxlink"
)

// Config is the root configuration structure for voxlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Service   ServiceConfig   `yaml:"service"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Logs      LogsConfig      `yaml:"logs"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the control API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., "127.0.0.1:8765").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied without restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig describes the remote voice service.
type ServiceConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://). The selected language
	// is appended as the "lang" query parameter.
	URL string `yaml:"url"`

	// DialTimeout bounds the connection handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadLimit is the largest inbound message accepted, in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// SendBuffer is the outbound frame queue depth.
	SendBuffer int `yaml:"send_buffer"`
}

// AudioConfig holds capture and playback settings.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	FrameSize        int `yaml:"frame_size"`

	// DeviceSampleRate is the rate the microphone is opened at. Zero captures
	// at InputSampleRate.
	DeviceSampleRate int `yaml:"device_sample_rate"`

	// OutputGain scales playback volume in (0, 1].
	OutputGain float64 `yaml:"output_gain"`

	// BargeInThreshold is the peak amplitude in (0, 1) above which microphone
	// input interrupts playback.
	BargeInThreshold float64 `yaml:"barge_in_threshold"`

	// InputDevice and OutputDevice select PortAudio devices by name. Empty
	// selects the host default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// SessionConfig holds the voice session settings.
type SessionConfig struct {
	// Language is the initially selected language code, by default the first
	// of Languages. Changes are applied without restart.
	Language string `yaml:"language"`

	// AutoStart starts listening as soon as the client is up.
	AutoStart bool `yaml:"auto_start"`

	// Languages is the selectable set.
	Languages []LanguageConfig `yaml:"languages"`
}

// LanguageConfig is one selectable language.
type LanguageConfig struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// LogsConfig configures the remote log-store feed. The feed is disabled when
// URL is empty.
type LogsConfig struct {
	URL        string        `yaml:"url"`
	Interval   time.Duration `yaml:"interval"`
	MaxEntries int           `yaml:"max_entries"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of traces recorded, in [0, 1]. Zero
	// records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// defaultLanguages is the selectable set used when none is configured.
var defaultLanguages = []LanguageConfig{
	{Code: "en-US", Name: "English"},
	{Code: "th-TH", Name: "Thai"},
	{Code: "id-ID", Name: "Indonesian"},
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Service.URL == "" {
		cfg.Service.URL = DefaultServiceURL
	}
	if cfg.Service.DialTimeout == 0 {
		cfg.Service.DialTimeout = DefaultDialTimeout
	}
	if cfg.Service.ReadLimit == 0 {
		cfg.Service.ReadLimit = DefaultReadLimit
	}
	if cfg.Service.SendBuffer == 0 {
		cfg.Service.SendBuffer = DefaultSendBuffer
	}

	a := &cfg.Audio
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.OutputGain == 0 {
		a.OutputGain = DefaultOutputGain
	}
	if a.BargeInThreshold == 0 {
		a.BargeInThreshold = DefaultBargeInThreshold
	}

	if len(cfg.Session.Languages) == 0 {
		cfg.Session.Languages = append([]LanguageConfig(nil), defaultLanguages...)
	}
	if cfg.Session.Language == "" && cfg.Session.Languages[0].Code != "" {
		cfg.Session.Language = cfg.Session.Languages[0].Code
	}

	if cfg.Logs.Interval == 0 {
		cfg.Logs.Interval = DefaultLogInterval
	}
	if cfg.Logs.MaxEntries == 0 {
		cfg.Logs.MaxEntries = DefaultLogMaxEntries
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
