package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/talkback/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "http base url",
			yaml: "service:\n  base_url: \"https://api.example.com\"\n",
			want: []string{"must use ws or wss"},
		},
		{
			name: "negative durations",
			yaml: "service:\n  ready_timeout: -1s\ncorrelator:\n  window: -5ms\nplayback:\n  gap: -1ms\n",
			want: []string{"service.ready_timeout", "correlator.window", "playback.gap"},
		},
		{
			name: "bad ladder",
			yaml: "decoder:\n  sample_rates: [16000, 0]\n  min_samples: -1\n",
			want: []string{"decoder.sample_rates[1]", "decoder.min_samples"},
		},
		{
			name: "bad formats",
			yaml: "playback:\n  format:\n    sample_rate: 48000\n    channels: 6\ncapture:\n  format:\n    sample_rate: -1\n    channels: 1\n",
			want: []string{"playback.format.channels", "capture.format.sample_rate"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.LogLevel = "nope"
	cfg.Correlator.Window = -1
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := strings.Count(err.Error(), "\n") + 1; got != 2 {
		t.Errorf("expected 2 joined errors, got %d: %v", got, err)
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
