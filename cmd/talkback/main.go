// Command talkback runs a duplex voice conversation with a remote agent and
// exposes a control API for UI consumers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkback/internal/api"
	"github.com/MrWong99/talkback/internal/config"
	"github.com/MrWong99/talkback/internal/conversation"
	"github.com/MrWong99/talkback/internal/health"
	"github.com/MrWong99/talkback/internal/observe"
	"github.com/MrWong99/talkback/internal/resilience"
	"github.com/MrWong99/talkback/pkg/audio"
	"github.com/MrWong99/talkback/pkg/audio/decode"
	"github.com/MrWong99/talkback/pkg/audio/stream"
	"github.com/MrWong99/talkback/pkg/provider/convai"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "talkback.yaml", "path to the YAML configuration file")
	agentFlag := flag.String("agent", "", "agent to connect to on startup (overrides service.agent_id)")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talkback: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talkback: %v\n", err)
		}
		return 1
	}
	if *agentFlag != "" {
		cfg.Service.AgentID = *agentFlag
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("talkback starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"agent_id", cfg.Service.AgentID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{Registry: reg})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	renderer, closeOutput, err := openRenderer(cfg.Playback)
	if err != nil {
		slog.Error("failed to open playback output", "err", err)
		return 1
	}
	defer closeOutput()

	opts := []conversation.Option{
		conversation.WithGap(cfg.Playback.Gap),
		conversation.WithMetrics(metrics),
	}
	mic, closeInput, err := openMicrophone(cfg.Capture)
	if err != nil {
		slog.Error("failed to open capture input", "err", err)
		return 1
	}
	defer closeInput()
	if mic != nil {
		opts = append(opts, conversation.WithMicrophone(mic))
	}

	// ── Conversation controller ───────────────────────────────────────────────
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: "agent"})
	opts = append(opts, conversation.WithBreaker(breaker))
	ctrl := conversation.New(sessionSettings(cfg, renderer), renderer, opts...)
	defer func() {
		if err := ctrl.Close(); err != nil {
			slog.Warn("conversation close error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
		diff := config.Diff(old, cur)
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "log_level", diff.NewLogLevel)
		}
		if diff.SessionChanged {
			s := sessionSettings(cur, renderer)
			if *agentFlag != "" {
				s.AgentID = *agentFlag
			}
			ctrl.Reconfigure(s)
		}
		if len(diff.RestartRequired) > 0 {
			slog.Warn("config changes require a restart", "fields", diff.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP control API ──────────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "conversation", Check: ctrl.Check},
		health.Checker{Name: "agent_breaker", Check: breaker.Check},
	)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.NewRouter(api.New(ctrl, slog.Default()), checks, observe.MetricsHandler(reg), metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.Service.AgentID != "" {
		g.Go(func() error {
			if err := ctrl.Start(gctx, ""); err != nil && !errors.Is(err, context.Canceled) {
				// The API can retry; a failed auto-start is not fatal.
				slog.Error("auto-start failed", "agent_id", cfg.Service.AgentID, "err", err)
			}
			return nil
		})
	}

	slog.Info("ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// sessionSettings builds the controller settings derived from cfg.
func sessionSettings(cfg *config.Config, r *stream.WriterRenderer) conversation.Settings {
	client := convai.New(
		convai.WithBaseURL(cfg.Service.BaseURL),
		convai.WithAPIKey(cfg.Service.APIKey),
		convai.WithReadyTimeout(cfg.Service.ReadyTimeout),
		convai.WithLogger(slog.Default()),
	)
	dec := decode.New(
		decode.WithRates(cfg.Decoder.SampleRates...),
		decode.WithMinSamples(cfg.Decoder.MinSamples),
		decode.WithRateFilter(r.SupportsRate),
	)
	return conversation.Settings{
		Client:  client,
		Decoder: dec,
		Window:  cfg.Correlator.Window,
		AgentID: cfg.Service.AgentID,
		Backoff: resilience.Backoff{
			Attempts: cfg.Service.ConnectAttempts,
			Initial:  cfg.Service.ConnectBackoff,
		},
	}
}

// openRenderer returns the playback sink. Disabled playback still paces
// audio in real time so playing state stays meaningful.
func openRenderer(cfg config.PlaybackConfig) (*stream.WriterRenderer, func(), error) {
	f := cfg.Format.Format()
	switch cfg.Output {
	case "":
		return stream.NewWriterRenderer(io.Discard, f), func() {}, nil
	case "-":
		return stream.NewWriterRenderer(os.Stdout, f), func() {}, nil
	}
	out, err := os.Create(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open %q: %w", cfg.Output, err)
	}
	return stream.NewWriterRenderer(out, f), func() { _ = out.Close() }, nil
}

// openMicrophone returns nil when capture is disabled.
func openMicrophone(cfg config.CaptureConfig) (audio.Microphone, func(), error) {
	f := cfg.Format.Format()
	switch cfg.Input {
	case "":
		return nil, func() {}, nil
	case "-":
		return stream.NewReaderMicrophone(os.Stdin, f), func() {}, nil
	}
	in, err := os.Open(cfg.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("open %q: %w", cfg.Input, err)
	}
	return stream.NewReaderMicrophone(in, f), func() { _ = in.Close() }, nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
