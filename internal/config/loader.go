package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values in [Load].
const (
	EnvAPIKey  = "TALKBACK_API_KEY"
	EnvAgentID = "TALKBACK_AGENT_ID"
	EnvBaseURL = "TALKBACK_BASE_URL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Service.BaseURL == "" {
		cfg.Service.BaseURL = DefaultBaseURL
	}
	if cfg.Service.ReadyTimeout == 0 {
		cfg.Service.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Service.ConnectAttempts == 0 {
		cfg.Service.ConnectAttempts = DefaultAttempts
	}
	if cfg.Service.ConnectBackoff == 0 {
		cfg.Service.ConnectBackoff = DefaultBackoff
	}
	if cfg.Correlator.Window == 0 {
		cfg.Correlator.Window = DefaultWindow
	}
	if len(cfg.Decoder.SampleRates) == 0 {
		cfg.Decoder.SampleRates = append([]int(nil), DefaultSampleRates...)
	}
	if cfg.Decoder.MinSamples == 0 {
		cfg.Decoder.MinSamples = DefaultMinSamples
	}
	if cfg.Playback.Format == (FormatConfig{}) {
		cfg.Playback.Format = FormatConfig{SampleRate: DefaultOutputRate, Channels: DefaultOutputChannel}
	}
	if cfg.Capture.Format == (FormatConfig{}) {
		cfg.Capture.Format = FormatConfig{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
	}
}

// ApplyEnv overrides service settings from the environment. lookup is
// usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Service.APIKey = v
	}
	if v, ok := lookup(EnvAgentID); ok && v != "" {
		cfg.Service.AgentID = v
	}
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		cfg.Service.BaseURL = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Service.BaseURL != "" {
		u, err := url.Parse(cfg.Service.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("service.base_url %q: %w", cfg.Service.BaseURL, err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("service.base_url %q must use ws or wss", cfg.Service.BaseURL))
		}
	}
	if cfg.Service.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("service.ready_timeout %s must not be negative", cfg.Service.ReadyTimeout))
	}
	if cfg.Service.ConnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("service.connect_attempts %d must not be negative", cfg.Service.ConnectAttempts))
	}
	if cfg.Service.ConnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("service.connect_backoff %s must not be negative", cfg.Service.ConnectBackoff))
	}

	if cfg.Correlator.Window < 0 {
		errs = append(errs, fmt.Errorf("correlator.window %s must not be negative", cfg.Correlator.Window))
	}

	for i, rate := range cfg.Decoder.SampleRates {
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("decoder.sample_rates[%d] %d must be positive", i, rate))
		}
	}
	if cfg.Decoder.MinSamples < 0 {
		errs = append(errs, fmt.Errorf("decoder.min_samples %d must not be negative", cfg.Decoder.MinSamples))
	}

	if cfg.Playback.Gap < 0 {
		errs = append(errs, fmt.Errorf("playback.gap %s must not be negative", cfg.Playback.Gap))
	}
	errs = append(errs, validateFormat("playback.format", cfg.Playback.Format)...)
	errs = append(errs, validateFormat("capture.format", cfg.Capture.Format)...)

	return errors.Join(errs...)
}

func validateFormat(prefix string, f FormatConfig) []error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, f.SampleRate))
	}
	if f.Channels != 1 && f.Channels != 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", prefix, f.Channels))
	}
	return errs
}
