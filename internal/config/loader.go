package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxview/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":9090"
	DefaultTransport  = "gemini-live"
	DefaultSendQueue  = 16
	DefaultMaxTokens  = 1024
)

// ListenOff disables the status server.
const ListenOff = "off"

// TransportKeyEnv lists the environment variables consulted, in order, when
// transport.api_key is empty.
var TransportKeyEnv = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transport": {"gemini-live"},
	"report":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path, fills in credentials from
// the environment and returns a validated [Config].
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
	ApplyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
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

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Report.MaxTokens == 0 {
		cfg.Report.MaxTokens = DefaultMaxTokens
	}
	if cfg.Interview.Mode == "" {
		cfg.Interview.Mode = ModeVoice
	}
	a := &cfg.Audio
	if a.Input == "" {
		a.Input = "-"
	}
	if a.Output == "" {
		a.Output = "-"
	}
	if a.DeviceSampleRate == 0 {
		a.DeviceSampleRate = audio.CaptureSampleRate
	}
	if a.DeviceChannels == 0 {
		a.DeviceChannels = 1
	}
	if a.FrameSize == 0 {
		a.FrameSize = audio.DefaultFrameSize
	}
	if a.PlaybackRate == 0 {
		a.PlaybackRate = audio.PlaybackSampleRate
	}
	if a.SendQueue == 0 {
		a.SendQueue = DefaultSendQueue
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxview"
	}
}

// ApplyEnv fills an empty transport API key from [TransportKeyEnv] using
// lookup. A still-missing key is reported by the session when it starts.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Transport.APIKey != "" {
		return
	}
	for _, name := range TransportKeyEnv {
		if v, ok := lookup(name); ok && v != "" {
			cfg.Transport.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("transport", cfg.Transport.Name)
	validateProviderName("report", cfg.Report.Provider.Name)
	for i, fb := range cfg.Report.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("report.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("report", fb.Name)
	}
	if len(cfg.Report.Fallbacks) > 0 && cfg.Report.Provider.Name == "" {
		errs = append(errs, fmt.Errorf("report.fallbacks requires report.provider.name"))
	}

	// Report
	if t := cfg.Report.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("report.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Report.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("report.max_tokens %d must not be negative", cfg.Report.MaxTokens))
	}
	if cfg.Report.Provider.Name != "" && cfg.Report.Provider.Model == "" {
		errs = append(errs, fmt.Errorf("report.provider.model is required when report.provider.name is set"))
	}

	// Interview
	if cfg.Interview.Mode != "" && !cfg.Interview.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("interview.mode %q is invalid; valid values: voice, text", cfg.Interview.Mode))
	}
	if cfg.Interview.Instructions == "" {
		slog.Warn("interview.instructions is empty; the model will improvise the interview")
	}

	// Audio
	a := cfg.Audio
	if a.DeviceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.device_sample_rate %d must be positive", a.DeviceSampleRate))
	}
	if a.DeviceChannels < 0 || a.DeviceChannels > 8 {
		errs = append(errs, fmt.Errorf("audio.device_channels %d is out of range [1, 8]", a.DeviceChannels))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", a.FrameSize))
	}
	if a.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", a.PlaybackRate))
	}
	if a.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", a.SendQueue))
	}
	if cfg.Interview.Mode == ModeVoice && a.Input == "-" && a.Output == "-" {
		slog.Debug("audio uses stdin and stdout; pipe raw s16le PCM in and out")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
