package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Service
	if u, err := url.Parse(cfg.Service.URL); err != nil {
		errs = append(errs, fmt.Errorf("service.url %q is invalid: %w", cfg.Service.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("service.url %q must use the ws or wss scheme", cfg.Service.URL))
	} else if u.Scheme == "ws" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		slog.Warn("service.url is not encrypted; audio will be sent in clear text", "url", cfg.Service.URL)
	}
	if cfg.Service.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("service.dial_timeout %s must not be negative", cfg.Service.DialTimeout))
	}
	if cfg.Service.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("service.read_limit %d must not be negative", cfg.Service.ReadLimit))
	}
	if cfg.Service.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("service.send_buffer %d must not be negative", cfg.Service.SendBuffer))
	}

	// Audio
	a := cfg.Audio
	for _, r := range []struct {
		name string
		val  int
	}{
		{"audio.input_sample_rate", a.InputSampleRate},
		{"audio.output_sample_rate", a.OutputSampleRate},
		{"audio.frame_size", a.FrameSize},
	} {
		if r.val < 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", r.name, r.val))
		}
	}
	if a.DeviceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.device_sample_rate %d must not be negative", a.DeviceSampleRate))
	}
	if a.OutputGain < 0 || a.OutputGain > 1 {
		errs = append(errs, fmt.Errorf("audio.output_gain %.2f is out of range (0, 1]", a.OutputGain))
	}
	if a.BargeInThreshold < 0 || a.BargeInThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.barge_in_threshold %.3f is out of range (0, 1)", a.BargeInThreshold))
	}

	// Session
	codes := make(map[string]int, len(cfg.Session.Languages))
	for i, l := range cfg.Session.Languages {
		prefix := fmt.Sprintf("session.languages[%d]", i)
		if l.Code == "" {
			errs = append(errs, fmt.Errorf("%s.code is required", prefix))
			continue
		}
		if prev, ok := codes[l.Code]; ok {
			errs = append(errs, fmt.Errorf("%s.code %q is a duplicate of session.languages[%d]", prefix, l.Code, prev))
		}
		codes[l.Code] = i
	}
	if cfg.Session.Language != "" && len(cfg.Session.Languages) > 0 {
		if !slices.ContainsFunc(cfg.Session.Languages, func(l LanguageConfig) bool { return l.Code == cfg.Session.Language }) {
			errs = append(errs, fmt.Errorf("session.language %q is not in session.languages", cfg.Session.Language))
		}
	}

	// Logs
	if cfg.Logs.URL != "" {
		if u, err := url.Parse(cfg.Logs.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("logs.url %q must be an http or https URL", cfg.Logs.URL))
		}
	}
	if cfg.Logs.Interval < 0 {
		errs = append(errs, fmt.Errorf("logs.interval %s must not be negative", cfg.Logs.Interval))
	}
	if cfg.Logs.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("logs.max_entries %d must not be negative", cfg.Logs.MaxEntries))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be in [0, 1]", r))
	}

	return errors.Join(errs...)
}
