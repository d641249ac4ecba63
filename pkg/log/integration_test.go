package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

func TestTestLogger(t *testing.T) {
	logger, buffer := NewTestLogger(LevelDebug)

	logger.Debug("debug message", "key1", "value1", "number", 42)
	logger.Info("info message", OperationKey, OperationPartialFit)
	logger.Warn("warning message")
	logger.Error("error message", errors.New("boom"), ChunkKey, 3)

	require.NotEmpty(t, buffer.String())
	assert.True(t, logger.ContainsMessage("debug message"))
	assert.True(t, logger.ContainsMessage("warning message"))
	assert.True(t, logger.ContainsField("key1", "value1"))
	assert.True(t, logger.ContainsField("number", 42.0))
	assert.True(t, logger.ContainsField(ErrorKey, "boom"))
	assert.True(t, logger.ContainsField(ChunkKey, 3.0))

	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, 1, logger.CountMessages("info message"))
}

func TestTestLoggerWithAndLevels(t *testing.T) {
	logger, _ := NewTestLogger(LevelInfo)
	ctx := context.Background()

	assert.True(t, logger.Enabled(ctx, LevelInfo))
	assert.True(t, logger.Enabled(ctx, LevelError))
	assert.False(t, logger.Enabled(ctx, LevelDebug))

	scoped := logger.With(PhaseKey, PhaseTrain, RunIDKey, "abc")
	scoped.Debug("hidden")
	scoped.Info("chunk trained", SamplesKey, 1000)

	assert.False(t, logger.ContainsMessage("hidden"))
	assert.True(t, logger.ContainsField(PhaseKey, PhaseTrain))
	assert.True(t, logger.ContainsField(SamplesKey, 1000.0))

	logger.Clear()
	assert.False(t, logger.ContainsMessage("chunk trained"))
}

func TestTestLoggerProvider(t *testing.T) {
	provider, buffer := NewTestLoggerProvider(LevelDebug)
	provider.GetLogger().Info("provider message")
	provider.GetLoggerWithName("dataset").Info("named message")

	out := buffer.String()
	assert.Contains(t, out, "provider message")
	assert.Contains(t, out, `"ml.component":"dataset"`)

	provider.SetLevel(LevelError)
	provider.GetLogger().Info("suppressed")
	assert.NotContains(t, buffer.String(), "suppressed")
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger.Debug("not written")
	logger.With(PhaseKey, PhaseEvaluate).Info("chunk evaluated", ChunkKey, 2, SamplesKey, 10)
	logger.Error("chunk skipped", errors.NewSchemaError(4, "Label", "is missing"), ChunkKey, 4)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "chunk evaluated", lines[0]["message"])
	assert.Equal(t, PhaseEvaluate, lines[0][PhaseKey])
	assert.Equal(t, 2.0, lines[0][ChunkKey])

	assert.Equal(t, "error", lines[1]["level"])
	assert.Contains(t, lines[1]["error"], `column "Label" is missing`)
	detail, ok := lines[1][DetailKey].(map[string]interface{})
	require.True(t, ok, "structured error detail is attached")
	assert.Equal(t, "SchemaError", detail["type"])
	assert.NotEmpty(t, lines[1][StacktraceKey])

	assert.True(t, logger.Enabled(context.Background(), LevelWarn))
	assert.False(t, logger.Enabled(context.Background(), LevelDebug))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
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

func TestSetupLoggerRoutesWarnings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SetupLogger("info", &buf, false))
	defer func() {
		errors.SetZerologWarnFunc(nil)
		SetProvider(NewProvider(&bytes.Buffer{}, LevelInfo, false))
	}()

	errors.Warn(errors.NewModelDriftWarning("DDM", 5, 0.4, 0.3, "alert"))
	GetLoggerWithName("pipeline").Info("done")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "warnings", lines[0][ComponentKey])
	detail := lines[0][DetailKey].(map[string]interface{})
	assert.Equal(t, "DDM", detail["detector"])
	assert.Equal(t, "pipeline", lines[1][ComponentKey])

	assert.Error(t, SetupLogger("loud", &buf, false))
}
