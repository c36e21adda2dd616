// Package config provides the configuration schema, loader, and provider
// registry for voxview.
package config

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

// Mode selects how the candidate talks to the interviewer.
type Mode string

const (
	// ModeVoice streams microphone audio and plays the model's speech.
	ModeVoice Mode = "voice"

	// ModeText exchanges typed turns only.
	ModeText Mode = "text"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeVoice || m == ModeText
}

// Config is the root configuration structure for voxview.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport ProviderEntry   `yaml:"transport"`
	Report    ReportConfig    `yaml:"report"`
	Interview InterviewConfig `yaml:"interview"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the status server (e.g., ":9090").
	// Set to "off" to disable it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ReportConfig selects the text model that evaluates the transcript. An empty
// provider name disables report generation.
type ReportConfig struct {
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Temperature controls sampling randomness in [0, 2].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the report length.
	MaxTokens int `yaml:"max_tokens"`

	// OutputPath is where the report JSON is written. Empty prints to stdout.
	OutputPath string `yaml:"output_path"`

	// ArchivePath, when set, appends each interview's outcome and report
	// (not its transcript) to a JSON lines file.
	ArchivePath string `yaml:"archive_path"`
}

// InterviewConfig describes the interview being conducted.
type InterviewConfig struct {
	Candidate string `yaml:"candidate"`
	Role      string `yaml:"role"`

	// Language is a BCP-47 code for both the conversation and the report.
	Language string `yaml:"language"`

	// Instructions is the interviewer persona and agenda sent as the system
	// instruction.
	Instructions string `yaml:"instructions"`

	// Focus lists topics the report should weigh.
	Focus []string `yaml:"focus"`

	// Mode is voice or text.
	Mode Mode `yaml:"mode"`

	// Voice names the model's speaking voice.
	Voice string `yaml:"voice"`

	// StartMuted starts with the microphone muted.
	StartMuted bool `yaml:"start_muted"`
}

// AudioConfig describes the raw PCM streams used as audio devices.
type AudioConfig struct {
	// Input is a path to read s16le capture audio from; "-" is stdin.
	Input string `yaml:"input"`

	// Output is a path to write s16le playback audio to; "-" is stdout.
	Output string `yaml:"output"`

	// DeviceSampleRate and DeviceChannels describe the input stream.
	DeviceSampleRate int `yaml:"device_sample_rate"`
	DeviceChannels   int `yaml:"device_channels"`

	// FrameSize is the number of samples per capture callback.
	FrameSize int `yaml:"frame_size"`

	// PlaybackRate is the sample rate of model speech.
	PlaybackRate int `yaml:"playback_rate"`

	// SendQueue is the capture send queue depth.
	SendQueue int `yaml:"send_queue"`
}

// TelemetryConfig names the service in traces and metrics.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}
