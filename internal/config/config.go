// Package config provides the configuration schema and loader for the
// VoiceLoop orchestrator.
//
// Configuration comes from an optional YAML file overlaid with environment
// variables; the environment wins so deployments can keep secrets out of the
// file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the orchestrator.
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

// Level converts l to a slog.Level. Unset or invalid levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	GPU     GPUConfig     `yaml:"gpu"`
	Backend BackendConfig `yaml:"backend"`
	Calls   CallsConfig   `yaml:"calls"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// OpenAIConfig holds the realtime LLM settings.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// GPUConfig points at the inference service.
type GPUConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// BackendConfig points at the internal configuration service.
type BackendConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// CallsConfig holds process-wide call defaults. Per-assistant settings from
// the configuration service override these.
type CallsConfig struct {
	// MaxDurationSeconds caps any single call.
	MaxDurationSeconds int `yaml:"max_duration_seconds"`

	// SilenceTimeoutSeconds hangs up a call with no speech in either
	// direction.
	SilenceTimeoutSeconds int `yaml:"silence_timeout_seconds"`

	// ValidateSignatures toggles Twilio webhook signature checking.
	ValidateSignatures bool `yaml:"validate_signatures"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: LogInfo},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-realtime-preview",
			Temperature: 0.8,
			MaxTokens:   4096,
		},
		Calls: CallsConfig{
			MaxDurationSeconds:    1800,
			SilenceTimeoutSeconds: 30,
		},
	}
}

// Load reads the YAML configuration file at path, overlays the environment,
// and validates the result. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	cfg.FromEnv(os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults without
// touching the environment. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// FromEnv overlays the environment variables documented in the README onto
// cfg. getenv is injected so tests need not mutate the process environment.
func (c *Config) FromEnv(getenv func(string) string) {
	setInt(&c.Server.Port, getenv("PORT"))
	setStr((*string)(&c.Server.LogLevel), getenv("LOG_LEVEL"))

	setStr(&c.OpenAI.APIKey, getenv("OPENAI_API_KEY"))
	setStr(&c.OpenAI.Model, getenv("OPENAI_MODEL"))
	setFloat(&c.OpenAI.Temperature, getenv("OPENAI_TEMPERATURE"))
	setInt(&c.OpenAI.MaxTokens, getenv("OPENAI_MAX_TOKENS"))

	setStr(&c.GPU.URL, getenv("GPU_SERVER_URL"))
	setStr(&c.GPU.APIKey, getenv("GPU_SERVER_API_KEY"))

	setStr(&c.Backend.URL, getenv("LARAVEL_API_URL"))
	setStr(&c.Backend.Secret, getenv("LARAVEL_API_SECRET"))

	setInt(&c.Calls.MaxDurationSeconds, getenv("MAX_CALL_DURATION_SECONDS"))
	// SILENCE_HANGUP_SECONDS is the historical name and wins over
	// SILENCE_TIMEOUT_SECONDS when both are set.
	setInt(&c.Calls.SilenceTimeoutSeconds, getenv("SILENCE_TIMEOUT_SECONDS"))
	setInt(&c.Calls.SilenceTimeoutSeconds, getenv("SILENCE_HANGUP_SECONDS"))
	setBool(&c.Calls.ValidateSignatures, getenv("TWILIO_VALIDATE_SIGNATURES"))
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key (OPENAI_API_KEY) is required"))
	}
	if cfg.OpenAI.Temperature < 0 || cfg.OpenAI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("openai.temperature %.2f is out of range [0, 2]", cfg.OpenAI.Temperature))
	}
	if cfg.GPU.URL == "" {
		errs = append(errs, errors.New("gpu.url (GPU_SERVER_URL) is required"))
	}
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url (LARAVEL_API_URL) is required"))
	}
	if cfg.Calls.SilenceTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("calls.silence_timeout_seconds %d is negative", cfg.Calls.SilenceTimeoutSeconds))
	}
	if cfg.Calls.MaxDurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("calls.max_duration_seconds %d is negative", cfg.Calls.MaxDurationSeconds))
	}

	return errors.Join(errs...)
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, v string) {
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func setBool(dst *bool, v string) {
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
