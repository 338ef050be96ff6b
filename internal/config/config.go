// Package config provides the configuration schema and loader for talkback.
package config

import (
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
)

// LogLevel controls log verbosity for the talkback server.
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

// Default values applied by [ApplyDefaults] when a field is left empty.
const (
	DefaultListenAddr    = ":8080"
	DefaultBaseURL       = "wss://api.elevenlabs.io"
	DefaultReadyTimeout  = 2 * time.Second
	DefaultAttempts      = 3
	DefaultBackoff       = 500 * time.Millisecond
	DefaultWindow        = 250 * time.Millisecond
	DefaultMinSamples    = 50
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultOutputRate    = 48000
	DefaultOutputChannel = 2
)

// DefaultSampleRates is the decoder's fallback sample-rate ladder.
var DefaultSampleRates = []int{16000, 22050, 24000, 44100, 48000}

// Config is the root configuration structure for talkback.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Service    ServiceConfig    `yaml:"service"`
	Correlator CorrelatorConfig `yaml:"correlator"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Capture    CaptureConfig    `yaml:"capture"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig describes how to reach the conversational agent service.
type ServiceConfig struct {
	// BaseURL is the websocket origin of the service. The conversation path is
	// appended by the transport.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as the xi-api-key header when non-empty.
	APIKey string `yaml:"api_key"`

	// AgentID is the agent the CLI connects to on startup. May be empty when
	// sessions are started through the control API.
	AgentID string `yaml:"agent_id"`

	// ReadyTimeout bounds how long contextual updates wait for the
	// conversation initiation metadata.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// ConnectAttempts is the number of dial attempts per session start.
	ConnectAttempts int `yaml:"connect_attempts"`

	// ConnectBackoff is the pause after the first failed attempt. It doubles
	// per attempt.
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// CorrelatorConfig tunes fragment grouping.
type CorrelatorConfig struct {
	// Window is the quiet period after the last fragment of an event before
	// the event is assembled into a playable item.
	Window time.Duration `yaml:"window"`
}

// DecoderConfig tunes the raw PCM fallback ladder.
type DecoderConfig struct {
	SampleRates []int `yaml:"sample_rates"`
	MinSamples  int   `yaml:"min_samples"`
}

// PlaybackConfig configures the local audio output.
type PlaybackConfig struct {
	// Gap is the pause inserted between consecutive items. Zero disables it.
	Gap time.Duration `yaml:"gap"`

	// Output is the file path PCM audio is written to. "-" means stdout.
	// Empty disables local playback.
	Output string `yaml:"output"`

	Format FormatConfig `yaml:"format"`
}

// CaptureConfig configures the local audio input.
type CaptureConfig struct {
	// Input is the file path raw PCM is read from. "-" means stdin.
	// Empty disables capture.
	Input string `yaml:"input"`

	Format FormatConfig `yaml:"format"`
}

// FormatConfig is the YAML form of an [audio.Format].
type FormatConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Format converts f to an [audio.Format].
func (f FormatConfig) Format() audio.Format {
	return audio.Format{SampleRate: f.SampleRate, Channels: f.Channels}
}
