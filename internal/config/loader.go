package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is zero.
const (
	DefaultListenAddr      = ":8765"
	DefaultSampleRate      = 16000
	DefaultBlockSize       = 8000
	DefaultCaptureTimeout  = 10
	DefaultWorkerCommand   = "sussurro-worker"
	DefaultResultTimeout   = 30 * time.Second
	DefaultShutdownTimeout = 3 * time.Second
	DefaultMaxFailures     = 5
	DefaultResetWindow     = 30 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for zero-valued fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is below the 8000 Hz minimum", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d is negative", cfg.Audio.BlockSize))
	}

	// Capture
	if cfg.Capture.TimeoutSeconds == 0 {
		cfg.Capture.TimeoutSeconds = DefaultCaptureTimeout
	}
	if cfg.Capture.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("capture.timeout_seconds %d is negative", cfg.Capture.TimeoutSeconds))
	}

	// Worker
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = DefaultWorkerCommand
	}
	if cfg.Worker.ResultTimeout == 0 {
		cfg.Worker.ResultTimeout = DefaultResultTimeout
	}
	if cfg.Worker.ShutdownTimeout == 0 {
		cfg.Worker.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Worker.Restart.MaxFailures == 0 {
		cfg.Worker.Restart.MaxFailures = DefaultMaxFailures
	}
	if cfg.Worker.Restart.ResetWindow == 0 {
		cfg.Worker.Restart.ResetWindow = DefaultResetWindow
	}

	// Languages
	if len(cfg.Languages) == 0 {
		errs = append(errs, errors.New("at least one entry under languages is required"))
	}
	for code, lang := range cfg.Languages {
		if lang.ModelPath == "" {
			errs = append(errs, fmt.Errorf("languages.%s.model_path is required", code))
		}
		if lang.Engine != "" && !lang.Engine.IsValid() {
			errs = append(errs, fmt.Errorf("languages.%s.engine %q is invalid; valid values: vosk, whisper", code, lang.Engine))
		}
	}

	// Default language must be one of the configured languages.
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = pickDefaultLanguage(cfg.Languages)
	} else if _, ok := cfg.Languages[cfg.DefaultLanguage]; !ok && len(cfg.Languages) > 0 {
		errs = append(errs, fmt.Errorf("default_language %q is not configured under languages", cfg.DefaultLanguage))
	}

	// History
	if cfg.History.Path == "" && cfg.History.MaxRows > 0 {
		slog.Warn("history.max_rows is set but history.path is empty; history is disabled")
	}
	if cfg.History.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("history.max_rows %d is negative", cfg.History.MaxRows))
	}

	return errors.Join(errs...)
}

// pickDefaultLanguage returns "it" when configured (the historical default),
// otherwise the lexicographically smallest language code for determinism.
func pickDefaultLanguage(languages map[string]LanguageConfig) string {
	if _, ok := languages["it"]; ok {
		return "it"
	}
	best := ""
	for code := range languages {
		if best == "" || code < best {
			best = code
		}
	}
	return best
}
