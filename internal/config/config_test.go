package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/config"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := config.DefaultClient()

	err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	require.NoError(t, err)
	require.Equal(t, config.DefaultClient(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
port: "9090"
errorNotice: "Something went wrong."
assistant:
  endpoint: http://assistant.local/flavia/chat/
  framing: sse
  timeout: 45s
log:
  level: debug
  format: json
`)

	cfg := config.DefaultClient()
	require.NoError(t, config.Load(path, &cfg))

	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "Something went wrong.", cfg.ErrorNotice)
	require.Equal(t, "http://assistant.local/flavia/chat/", cfg.Assistant.Endpoint)
	require.Equal(t, "sse", cfg.Assistant.Framing)
	require.Equal(t, 45*time.Second, cfg.Assistant.Timeout)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "")

	cfg := config.DefaultClient()
	require.NoError(t, config.Load(path, &cfg))
	require.Equal(t, config.DefaultClient(), cfg)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
port: "9090"
assistant:
  endpoint: http://assistant.local/flavia/chat/
`)
	t.Setenv("CURATOR_PORT", "7070")
	t.Setenv("CURATOR_ASSISTANT_ENDPOINT", "http://override.local/chat")
	t.Setenv("CURATOR_ASSISTANT_TIMEOUT", "2m")
	t.Setenv("CURATOR_LOG_LEVEL", "warn")

	cfg := config.DefaultClient()
	require.NoError(t, config.Load(path, &cfg))

	require.Equal(t, "7070", cfg.Port)
	require.Equal(t, "http://override.local/chat", cfg.Assistant.Endpoint)
	require.Equal(t, 2*time.Minute, cfg.Assistant.Timeout)
	require.Equal(t, "raw", cfg.Assistant.Framing)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalidFile(t *testing.T) {
	path := writeFile(t, "port: [unclosed")

	cfg := config.DefaultClient()
	require.ErrorContains(t, config.Load(path, &cfg), "error decoding config file")
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		log      config.Log
		wantErr  error
		contains string
	}{
		{
			name:     "Text",
			log:      config.Log{Level: "info", Format: "text"},
			contains: "msg=hello",
		},
		{
			name:     "JSON",
			log:      config.Log{Level: "debug", Format: "json"},
			contains: `"msg":"hello"`,
		},
		{
			name:     "Defaults",
			log:      config.Log{},
			contains: "msg=hello",
		},
		{
			name:    "Invalid level",
			log:     config.Log{Level: "loud"},
			wantErr: config.ErrInvalidLogLevel,
		},
		{
			name:    "Invalid format",
			log:     config.Log{Level: "info", Format: "xml"},
			wantErr: config.ErrInvalidLogFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := config.NewLogger(tt.log, &buf)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			logger.Info("hello")
			require.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := config.NewLogger(config.Log{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}
