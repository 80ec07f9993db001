package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: InfoLevel, Format: "json", Output: &buf})

	l.With(AgentID("agent-1")).Info("registered", Int("capabilities", 2))
	l.Debug("filtered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "registered", entry["message"])
	assert.Equal(t, "agent-1", entry["agent_id"])
	assert.Equal(t, float64(2), entry["capabilities"])
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	ctx := WithTaskID(WithAgentID(context.Background(), "a1"), "t1")
	l.WithContext(ctx).Warn("slow task")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "a1", fields["agent_id"])
	assert.Equal(t, "t1", fields["task_id"])
}

func TestOrGlobal(t *testing.T) {
	nop := NewNop()
	assert.Same(t, nop, OrGlobal(nop))

	SetGlobalLogger(nop)
	defer SetGlobalLogger(nil)
	assert.Same(t, nop, OrGlobal(nil))
}
