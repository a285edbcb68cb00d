// Package config loads the settings shared by the chat front-ends: a YAML file in the user config
// directory, then a .env file, then the process environment, each one overriding the previous.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Client holds the configuration of a chat front-end, the web server or the terminal client.
type Client struct {
	Port        string    `yaml:"port" env:"CURATOR_PORT"`
	ErrorNotice string    `yaml:"errorNotice" env:"CURATOR_ERROR_NOTICE"`
	Assistant   Assistant `yaml:"assistant" envPrefix:"CURATOR_ASSISTANT_"`
	Log         Log       `yaml:"log" envPrefix:"CURATOR_LOG_"`
}

// Assistant tells the chat session where the assistant endpoint is and how it frames its replies.
type Assistant struct {
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	Framing  string        `yaml:"framing" env:"FRAMING"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Log configures the slog logger of a command.
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	File   string `yaml:"file" env:"FILE"`
}

const (
	// AppName is the name of the directory holding the configuration files.
	AppName = "curatorchat"

	// DefaultEndpoint is the route served by the assistant command on its default port.
	DefaultEndpoint = "http://localhost:8000/flavia/chat/"
)

var (
	// ErrInvalidLogLevel is returned when the configured log level is unknown.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat is returned when the configured log format is unknown.
	ErrInvalidLogFormat = errors.New("invalid log format")
)

// DefaultClient returns the configuration used when nothing overrides it.
func DefaultClient() Client {
	return Client{
		Port: "8080",
		Assistant: Assistant{
			Endpoint: DefaultEndpoint,
			Framing:  "raw",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Dir returns the configuration directory of the application, creating it when it doesn't exist.
func Dir() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dir := filepath.Join(cfgDir, AppName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return dir, nil
}

// Load fills cfg from the YAML file at path, then from the .env file of the working directory, then
// from the environment. A missing file is not an error, cfg keeps the values it had.
func Load(path string, cfg any) error {
	if err := DecodeFile(path, cfg); err != nil {
		return err
	}
	return ParseEnv(cfg)
}

// ParseEnv overrides the fields of cfg tagged with env from the .env file of the working directory
// and the environment. Only string, number, duration, and slice fields should carry env tags.
func ParseEnv(cfg any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}

	return nil
}

// DecodeFile decodes the YAML file at path into cfg. A missing or empty file leaves cfg untouched.
func DecodeFile(path string, cfg any) error {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error decoding config file: %w", err)
	}
	return nil
}

// NewLogger creates the logger described by l, writing to w. An empty level means info.
func NewLogger(l Log, w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if l.Level == "" {
		l.Level = level.String()
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLogLevel, l.Level)
	}

	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidLogFormat, l.Format)
	}
}

// OpenLogFile opens the log file of l for appending. An empty file name returns fallback.
func OpenLogFile(l Log, fallback io.WriteCloser) (io.WriteCloser, error) {
	if l.File == "" {
		return fallback, nil
	}
	f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	return f, nil
}
