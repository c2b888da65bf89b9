// ABOUTME: Tests for dexter-gateway command helpers
// ABOUTME: Covers token flag parsing, generated config and logger setup

package main

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gliksbot/Dexter/internal/auth"
	"github.com/Gliksbot/Dexter/internal/config"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenArgs
		wantErr string
	}{
		{name: "separate values", args: []string{"--sub", "alice", "--ttl", "1h"}, want: tokenArgs{subject: "alice", ttl: time.Hour}},
		{name: "equals form", args: []string{"--sub=bob"}, want: tokenArgs{subject: "bob", ttl: defaultTokenTTL}},
		{name: "missing sub", args: []string{"--ttl", "1h"}, wantErr: "--sub is required"},
		{name: "dangling flag", args: []string{"--sub"}, wantErr: "--sub requires a value"},
		{name: "bad ttl", args: []string{"--sub", "a", "--ttl", "soon"}, wantErr: "invalid --ttl"},
		{name: "negative ttl", args: []string{"--sub", "a", "--ttl=-1h"}, wantErr: "--ttl must be positive"},
		{name: "unknown flag", args: []string{"--name", "a"}, wantErr: "unknown flag: --name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIssueToken(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(secret)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	token, err := issueToken(secret, tokenArgs{subject: "alice", ttl: time.Hour})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	sub, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = issueToken("short", tokenArgs{subject: "alice", ttl: time.Hour})
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestRenderConfig_ParsesBack(t *testing.T) {
	t.Setenv("DEXTER_DB_PATH", "")

	t.Run("heuristic", func(t *testing.T) {
		a := initAnswers{
			HTTPAddr:     "localhost:9090",
			DBPath:       "/tmp/dexter.db",
			JWTSecret:    "0123456789abcdef0123456789abcdef",
			ClarifyMode:  "heuristic",
			GraphBackend: "sqlite",
			LogLevel:     "debug",
			LogFormat:    "json",
		}

		cfg, err := config.Parse([]byte(renderConfig(a)), "yaml")
		require.NoError(t, err)
		assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
		assert.Equal(t, "/tmp/dexter.db", cfg.Database.Path)
		assert.Equal(t, a.JWTSecret, cfg.Auth.JWTSecret)
		assert.Equal(t, "heuristic", cfg.Clarify.Mode)
		assert.Equal(t, 5*time.Minute, cfg.Clarify.AnswerTimeout)
		assert.True(t, cfg.Hub.EventLogEnabled())
		assert.Equal(t, 64, cfg.Hub.QueueSize)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("model with neo4j", func(t *testing.T) {
		a := initAnswers{
			HTTPAddr:     "localhost:8080",
			DBPath:       "/tmp/dexter.db",
			ClarifyMode:  "model",
			Provider:     "ollama",
			Model:        "llama3.2",
			GraphBackend: "neo4j",
			LogLevel:     "info",
			LogFormat:    "text",
		}

		cfg, err := config.Parse([]byte(renderConfig(a)), "yaml")
		require.NoError(t, err)
		assert.Empty(t, cfg.Auth.JWTSecret)
		assert.Equal(t, "model", cfg.Clarify.Mode)
		assert.Equal(t, "llama3.2", cfg.Clarify.Model)
		assert.Equal(t, 30*time.Second, cfg.Clarify.Timeout)
		assert.Equal(t, "neo4j", cfg.Graph.Backend)
		assert.Equal(t, "neo4j://localhost:7687", cfg.Graph.URI)
	})
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger, closeLog := setupLogger(config.LoggingConfig{Level: "info"}, &buf)
	defer closeLog()

	logger.Debug("hidden")
	logger.With("component", "hub").WithGroup("req").Info("published", "seq", 7)
	logger.Warn("slow")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "INF published component=hub req.seq=7")
	assert.Contains(t, string(lines[1]), "WRN slow")
}

func TestSetupLogger_JSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	defer closeLog()

	logger.Info("quiet")
	logger.Error("loud", "code", 3)

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), `"msg":"loud"`)
	assert.Contains(t, buf.String(), `"code":3`)
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	var console bytes.Buffer

	logger, closeLog := setupLogger(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1}, &console)
	logger.Info("to file", "k", "v")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"to file\" k=v")
	assert.Empty(t, console.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}
