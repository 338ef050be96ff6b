package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/talkback/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.SessionChanged {
		t.Error("log level alone should not mark the session changed")
	}
}

func TestDiff_SessionSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"agent", func(c *config.Config) { c.Service.AgentID = "other" }},
		{"api key", func(c *config.Config) { c.Service.APIKey = "secret" }},
		{"ready timeout", func(c *config.Config) { c.Service.ReadyTimeout = time.Second }},
		{"window", func(c *config.Config) { c.Correlator.Window = time.Second }},
		{"rates", func(c *config.Config) { c.Decoder.SampleRates = []int{8000} }},
		{"min samples", func(c *config.Config) { c.Decoder.MinSamples = 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !d.SessionChanged {
				t.Errorf("expected SessionChanged=true, got %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	new := baseConfig()
	new.Server.ListenAddr = ":9090"
	new.Playback.Output = "out.pcm"
	new.Capture.Input = "-"

	d := config.Diff(baseConfig(), new)
	want := []string{"server.listen_addr", "playback", "capture"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.SessionChanged {
		t.Error("device changes should not mark the session changed")
	}
}
