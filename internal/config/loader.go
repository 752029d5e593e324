package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path and returns a defaulted, validated
// [Config].
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

// LoadFromReader decodes YAML from r, rejecting unknown fields, applies
// defaults and validates the result. An empty document yields the default
// configuration.
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

// Validate checks cfg after defaults were applied and returns every problem
// found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_ms %d must not be negative", cfg.Server.ShutdownTimeoutMS))
	}

	errs = append(errs, validateEntry("realtime.provider", cfg.Realtime.Provider)...)
	for i, fb := range cfg.Realtime.Fallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("realtime.fallbacks[%d]", i), fb)...)
	}
	switch cfg.Realtime.AudioFormat {
	case "", "pcm16", "g711_ulaw":
	default:
		errs = append(errs, fmt.Errorf("realtime.audio_format %q is invalid; valid values: pcm16, g711_ulaw", cfg.Realtime.AudioFormat))
	}
	switch cfg.Realtime.TurnDetection {
	case "", "server_vad", "none":
	default:
		errs = append(errs, fmt.Errorf("realtime.turn_detection %q is invalid; valid values: server_vad, none", cfg.Realtime.TurnDetection))
	}
	if cfg.Realtime.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, errors.New("realtime.circuit_breaker.max_failures must not be negative"))
	}
	if cfg.Realtime.CircuitBreaker.ResetTimeoutMS < 0 {
		errs = append(errs, errors.New("realtime.circuit_breaker.reset_timeout_ms must not be negative"))
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.PlaybackLeadMS < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_lead_ms %d must not be negative", cfg.Audio.PlaybackLeadMS))
	}

	if err := cfg.BargeIn.Detector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("barge_in: %w", err))
	}
	if cfg.BargeIn.CooldownMS < 0 {
		errs = append(errs, fmt.Errorf("barge_in.cooldown_ms %d must not be negative", cfg.BargeIn.CooldownMS))
	}

	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}

	if cfg.Transcript.PostgresDSN == "" {
		slog.Debug("transcript.postgres_dsn is empty; transcripts are kept in memory")
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	if e.BaseURL != "" && !strings.HasPrefix(e.BaseURL, "ws://") && !strings.HasPrefix(e.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("%s.base_url %q must be a ws:// or wss:// URL", prefix, e.BaseURL))
	}
	if e.APIKey == "" {
		slog.Warn("realtime endpoint has no api_key", "entry", prefix, "name", e.Name)
	}
	return errs
}
