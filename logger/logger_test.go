package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "weatherradio.log")
	l, err := New(LoggerConfig{Level: WARN, FilePath: path, MaxSize: 1, MaxBackups: 1})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown %d", 1)
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), "[WARN] logger_test.go:")
	assert.Contains(t, string(b), "shown 1")
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{"debug": DEBUG, "": INFO, "Warning": WARN, "ERROR": ERROR} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestWriterSplitsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.log")
	require.NoError(t, InitFromConfig("info", path, 10, 1, false))
	t.Cleanup(func() { _ = InitFromConfig("info", "", 10, 1, true) })

	w := Writer(INFO, "rtl_433: ")
	_, _ = w.Write([]byte("Found Rafael Micro R820T tuner\nSample rate set"))
	_, _ = w.Write([]byte(" to 250000 S/s.\n"))
	require.NoError(t, Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "rtl_433: Found Rafael Micro R820T tuner"))
	assert.True(t, strings.HasSuffix(lines[1], "rtl_433: Sample rate set to 250000 S/s."))
}
