// Command voxview runs one real-time interview against a live speech model
// and writes the transcript plus an evaluation report when it ends.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxview/internal/archive"
	"github.com/MrWong99/voxview/internal/config"
	"github.com/MrWong99/voxview/internal/health"
	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/internal/report"
	"github.com/MrWong99/voxview/internal/resilience"
	"github.com/MrWong99/voxview/internal/session"
	"github.com/MrWong99/voxview/pkg/audio"
	"github.com/MrWong99/voxview/pkg/audio/rawio"
	"github.com/MrWong99/voxview/pkg/provider/llm"
	"github.com/MrWong99/voxview/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/voxview/pkg/provider/llm/openai"
	"github.com/MrWong99/voxview/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxview/pkg/provider/s2s/gemini"
)

// shutdownTimeout bounds teardown, report generation excluded.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxview.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with credentials")
	textMode := flag.Bool("text", false, "force text mode (typed turns on stdin)")
	outPath := flag.String("out", "", "write the result JSON here instead of report.output_path")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxview: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxview: config file %q not found: copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxview: %v\n", err)
		}
		return 1
	}
	if *textMode {
		cfg.Interview.Mode = config.ModeText
	}
	if *outPath != "" {
		cfg.Report.OutputPath = *outPath
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxview starting",
		"config", *configPath,
		"mode", cfg.Interview.Mode,
		"transport", cfg.Transport.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	transport, err := reg.CreateS2S(cfg.Transport)
	if err != nil {
		slog.Error("failed to create transport", "name", cfg.Transport.Name, "err", err)
		return 1
	}
	var reporter *report.Generator
	if name := cfg.Report.Provider.Name; name != "" {
		p, err := buildReportProvider(reg, cfg.Report)
		if err != nil {
			slog.Error("failed to create report provider", "name", name, "err", err)
			return 1
		}
		reporter = report.New(p,
			report.WithMetrics(tel.Metrics),
			report.WithTemperature(cfg.Report.Temperature),
			report.WithMaxTokens(cfg.Report.MaxTokens),
		)
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Report.Provider.Model)
	} else {
		slog.Info("report generation disabled (report.provider.name is empty)")
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	devs, err := openDevices(cfg)
	if err != nil {
		slog.Error("failed to open audio streams", "err", err)
		return 1
	}
	defer devs.Close()

	// ── Session ───────────────────────────────────────────────────────────────
	live := newLiveView(devs.console)
	sess, err := session.New(session.Config{
		Mode:     session.Mode(cfg.Interview.Mode),
		APIKey:   cfg.Transport.APIKey,
		Provider: transport,
		Transport: s2s.SessionConfig{
			Instructions: buildInstructions(cfg.Interview),
			Voice:        cfg.Interview.Voice,
			Language:     cfg.Interview.Language,
		},
		Input:         devs.input,
		Output:        devs.output,
		CaptureFormat: audio.Mono16k,
		PlaybackRate:  cfg.Audio.PlaybackRate,
		QueueDepth:    cfg.Audio.SendQueue,
		StartMuted:    cfg.Interview.StartMuted,
		Metrics:       tel.Metrics,
		OnStatusChange: func(st session.Status) {
			fmt.Fprintf(os.Stderr, "voxview: %s\n", st)
		},
		OnLogAppended: live.Update,
	})
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}

	// ── Status server ─────────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != config.ListenOff {
		mux := http.NewServeMux()
		health.New(sess, health.SessionCheck(sess)).Register(mux)
		mux.Handle("GET /metrics", tel.Handler)
		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(tel.Metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	var (
		text      string
		interrupt error
	)
	g.Go(func() error {
		if srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		text, interrupt = conduct(gctx, sess, cfg.Interview.Mode, devs.turns)
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			slog.Info("status server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
	}

	// ── Result ────────────────────────────────────────────────────────────────
	snap := sess.Snapshot()
	res := result{
		Record: archive.Record{
			SessionID:  snap.ID,
			FinishedAt: time.Now().UTC(),
			Candidate:  cfg.Interview.Candidate,
			Role:       cfg.Interview.Role,
			Status:     snap.Status,
			Error:      snap.Err,
			Warnings:   snap.Warnings,
		},
		Transcript: text,
	}
	if reporter != nil && strings.TrimSpace(text) != "" {
		// The signal context may already be done; reports get their own budget.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		rep, err := reporter.Generate(rctx, text, report.Interview{
			Candidate: cfg.Interview.Candidate,
			Role:      cfg.Interview.Role,
			Language:  cfg.Interview.Language,
			Focus:     cfg.Interview.Focus,
		})
		cancel()
		if err != nil {
			slog.Error("report generation failed", "err", err)
			res.ReportError = err.Error()
		} else {
			res.Report = rep
		}
	}
	if err := writeResult(cfg.Report.OutputPath, devs.console, res); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	if path := cfg.Report.ArchivePath; path != "" {
		if err := archive.NewFileStore(path).Append(res.Record); err != nil {
			slog.Warn("failed to archive interview", "path", path, "err", err)
		}
	}

	if interrupt != nil {
		slog.Error("interview ended with error", "kind", session.KindOf(interrupt), "err", interrupt)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildReportProvider creates the report LLM, wrapped in a failover group
// when fallbacks are configured.
func buildReportProvider(reg *config.Registry, rc config.ReportConfig) (llm.Provider, error) {
	primary, err := reg.CreateLLM(rc.Provider)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", rc.Provider.Name, err)
	}
	if len(rc.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewLLM(rc.Provider.Name, primary, resilience.BreakerConfig{})
	for _, fb := range rc.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback llm provider %q: %w", fb.Name, err)
		}
		group.Add(fb.Name, p)
	}
	slog.Info("report failover enabled", "order", group.Names())
	return group, nil
}

// anyllmProviders share the same pattern: optional APIKey + optional BaseURL.
var anyllmProviders = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Report LLM ────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		p, err := oaillm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Transport ─────────────────────────────────────────────────────────────
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, kind := range []string{"llm", "s2s"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Audio devices ─────────────────────────────────────────────────────────────

// devices holds the byte streams backing one interview.
type devices struct {
	input  audio.InputDevice
	output audio.OutputDevice

	// turns supplies typed turns in text mode.
	turns io.Reader

	// console receives the live transcript. It is stdout unless stdout
	// carries playback audio.
	console io.Writer

	closers []io.Closer
}

func (d *devices) Close() {
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			slog.Warn("close audio stream", "err", err)
		}
	}
}

// openDevices maps the audio config onto rawio devices. Text mode acquires
// no device and reads turns from stdin.
func openDevices(cfg *config.Config) (*devices, error) {
	d := &devices{console: os.Stdout}
	if cfg.Interview.Mode == config.ModeText {
		d.turns = os.Stdin
		return d, nil
	}

	a := cfg.Audio
	var in io.Reader = os.Stdin
	if a.Input != "-" {
		f, err := os.Open(a.Input)
		if err != nil {
			return nil, fmt.Errorf("open audio input: %w", err)
		}
		d.closers = append(d.closers, f)
		in = f
	}
	var out io.Writer = os.Stdout
	if a.Output != "-" {
		f, err := os.Create(a.Output)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create audio output: %w", err)
		}
		d.closers = append(d.closers, f)
		out = f
	} else {
		d.console = os.Stderr
	}

	d.input = rawio.NewReaderInput(in,
		rawio.WithFrameSize(a.FrameSize),
		rawio.WithFormat(audio.Format{SampleRate: a.DeviceSampleRate, Channels: a.DeviceChannels}),
	)
	d.output = rawio.NewWriterOutput(out)
	return d, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
