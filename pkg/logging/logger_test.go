// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_ConsoleFormats(t *testing.T) {
	t.Run("auto on a buffer is json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closeFn, err := New(Config{Console: &buf, Service: "agents"})
		require.NoError(t, err)
		defer closeFn()

		logger.Info("hello", "k", 1)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "hello", rec["msg"])
		assert.Equal(t, "agents", rec["service"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := New(Config{Console: &buf, Format: FormatText})
		require.NoError(t, err)
		logger.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{Console: &buf, Level: slog.LevelWarn})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	day := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

	logger, closeFn, err := New(Config{
		Console: &buf,
		Format:  FormatText,
		LogDir:  filepath.Join(dir, "logs"),
		Service: "agents",
		now:     func() time.Time { return day },
	})
	require.NoError(t, err)
	logger.With("task_id", "t-1").Info("task queued")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "agents_2025-03-09.log"))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "task queued", rec["msg"])
	assert.Equal(t, "t-1", rec["task_id"])
	assert.Equal(t, "agents", rec["service"])

	assert.Contains(t, buf.String(), "task queued")
}

func TestNew_BadLogDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, _, err := New(Config{LogDir: filepath.Join(file, "logs")})
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".agents"), expandPath("~/.agents"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.False(t, strings.HasPrefix(expandPath("~"), "~"))
}
