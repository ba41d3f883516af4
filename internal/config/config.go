// Package config provides the configuration schema and loader for the
// sussurro voice server.
package config

import "time"

// LogLevel controls log verbosity for the sussurro server.
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

// EngineKind selects the native recognizer hosted by a language's worker
// process.
type EngineKind string

const (
	// EngineVosk uses the Vosk/Kaldi recognizer.
	EngineVosk EngineKind = "vosk"

	// EngineWhisper uses the whisper.cpp recognizer.
	EngineWhisper EngineKind = "whisper"
)

// IsValid reports whether e is a recognised engine kind.
func (e EngineKind) IsValid() bool {
	return e == EngineVosk || e == EngineWhisper
}

// Config is the root configuration structure for sussurro.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server          ServerConfig              `yaml:"server"`
	Audio           AudioConfig               `yaml:"audio"`
	Capture         CaptureConfig             `yaml:"capture"`
	Worker          WorkerConfig              `yaml:"worker"`
	Languages       map[string]LanguageConfig `yaml:"languages"`
	DefaultLanguage string                    `yaml:"default_language"`
	Corrections     CorrectionsConfig         `yaml:"corrections"`
	History         HistoryConfig             `yaml:"history"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8765").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, the server runs
	// plain WebSocket.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig holds capture parameters shared by every listening session.
type AudioConfig struct {
	// SampleRate is the PCM sample rate in Hz. Models are trained for a
	// fixed rate; 16000 is the usual value.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of frames read from the device per chunk.
	BlockSize int `yaml:"block_size"`
}

// CaptureConfig bounds single-capture requests.
type CaptureConfig struct {
	// TimeoutSeconds is the default duration of a single capture when the
	// client does not supply one.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// WorkerConfig controls the per-language recognition worker processes.
type WorkerConfig struct {
	// Command is the worker executable. A bare name is resolved via PATH.
	Command string `yaml:"command"`

	// ResultTimeout is how long a single chunk submission may wait for the
	// worker's reply before it is counted as lost.
	ResultTimeout time.Duration `yaml:"result_timeout"`

	// ShutdownTimeout is how long a worker is given to exit after the stop
	// frame before it is force-killed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Restart bounds worker respawns under sustained engine instability.
	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig is the worker restart budget. After MaxFailures consecutive
// failed spawns within ResetWindow, further restarts are refused until the
// window elapses.
type RestartConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	ResetWindow time.Duration `yaml:"reset_window"`
}

// LanguageConfig describes one recognition language.
type LanguageConfig struct {
	// ModelPath is the path to the acoustic model directory or file.
	ModelPath string `yaml:"model_path"`

	// Engine selects the recognizer backend. Defaults to vosk.
	Engine EngineKind `yaml:"engine"`
}

// CorrectionsConfig holds the text-correction dictionaries. Empty maps fall
// back to the built-in defaults in the correct package.
type CorrectionsConfig struct {
	// TechTerms maps misrecognised phrases to their replacements in the
	// browser context (e.g., "git ab" → "github").
	TechTerms map[string]string `yaml:"tech_terms"`

	// Commands maps spoken phrases to shell commands in the terminal
	// context (e.g., "elle es" → "ls").
	Commands map[string]string `yaml:"commands"`
}

// HistoryConfig configures the utterance history store. An empty Path
// disables history entirely.
type HistoryConfig struct {
	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// MaxRows caps the number of retained utterances; older rows are
	// pruned. Zero means unbounded.
	MaxRows int `yaml:"max_rows"`
}
