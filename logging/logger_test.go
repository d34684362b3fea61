package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type bufferSyncer struct {
	bytes.Buffer
}

func (b *bufferSyncer) Sync() error { return nil }

func newTestLogger(t *testing.T, level zapcore.Level) (*Logger, *bufferSyncer) {
	t.Helper()
	buf := &bufferSyncer{}
	l, err := New(Options{Level: level, Console: buf})
	require.NoError(t, err)
	return l, buf
}

func decodeLines(t *testing.T, buf *bufferSyncer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogger_JSONFieldsAndLevel(t *testing.T) {
	l, buf := newTestLogger(t, zapcore.InfoLevel)

	l.Named("executor").Debug("hidden")
	l.Named("executor").Info("loaded", ModelField("runwayml/stable-diffusion-v1-5"), DeviceField("cuda"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "loaded", lines[0][FieldMessage])
	assert.Equal(t, "executor", lines[0][FieldComponent])
	assert.Equal(t, "cuda", lines[0]["device"])

	l.SetLevel(zapcore.DebugLevel)
	l.Zap().Debug("now visible")
	assert.Len(t, decodeLines(t, buf), 2)
}

func TestLogger_RedactsSecrets(t *testing.T) {
	l, buf := newTestLogger(t, zapcore.InfoLevel)

	token := "hf_" + strings.Repeat("a", 30)
	l.Zap().Info("loading with "+token,
		zap.String("api_key", "plain-key-123"),
		zap.String("url", "http://worker/run?token=abcdef"),
		zap.Error(errors.New("upstream rejected Bearer abcdefghijklmnopqrstuvwxyz")),
	)

	out := buf.String()
	assert.NotContains(t, out, token)
	assert.NotContains(t, out, "plain-key-123")
	assert.NotContains(t, out, "abcdef\"")
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, out, RedactedPlaceholder)
}

func TestLogger_WithFieldsAreRedacted(t *testing.T) {
	l, buf := newTestLogger(t, zapcore.InfoLevel)
	l.Zap().With(zap.String("authorization", "secret-value")).Info("request")
	assert.NotContains(t, buf.String(), "secret-value")
}

func TestLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "imagegen.log")
	l, err := New(Options{Level: zapcore.InfoLevel, FilePath: path, Console: &bufferSyncer{}})
	require.NoError(t, err)

	l.Zap().Info("persisted")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")
	assert.Equal(t, path, l.FilePath())
}

func TestGenerationField(t *testing.T) {
	l, buf := newTestLogger(t, zapcore.InfoLevel)
	l.Zap().Info("image generated", GenerationField(GenerationSummary{
		Model:    "stabilityai/sdxl-turbo",
		Device:   "cpu",
		Steps:    6,
		Width:    512,
		Height:   512,
		Attempts: 2,
		Fallback: "cpu",
		Duration: 1500 * time.Millisecond,
	}))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	gen, ok := lines[0]["generation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cpu", gen["fallback"])
	assert.EqualValues(t, 2, gen["attempts"])
	assert.NotContains(t, gen, "scheduler")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("WARNING", zapcore.InfoLevel))
	assert.Equal(t, zapcore.DebugLevel, ParseLevel(" debug ", zapcore.InfoLevel))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose", zapcore.InfoLevel))
}

func TestRedactString(t *testing.T) {
	tests := []struct {
		in   string
		leak string
	}{
		{"X-API-Key: supersecret", "supersecret"},
		{"GET /generate?apiKey=k123456&x=1", "k123456"},
		{"password=hunter2hunter2", "hunter2hunter2"},
	}
	for _, tt := range tests {
		got := RedactString(tt.in)
		assert.NotContains(t, got, tt.leak, tt.in)
		assert.True(t, ContainsSecret(tt.in))
	}
	assert.Equal(t, "a red cube", RedactString("a red cube"))
	assert.True(t, IsSensitiveKey("HUGGINGFACE_HUB_TOKEN"))
	assert.False(t, IsSensitiveKey("prompt"))
}
