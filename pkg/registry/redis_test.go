package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/pkg/events"
)

func TestStateOf(t *testing.T) {
	assert.Equal(t, "completed", stateOf(events.TaskCompleted))
	assert.Equal(t, "paused", stateOf(events.WorkflowPaused))
	assert.True(t, isFinished(events.TaskCancelled))
	assert.False(t, isFinished(events.TaskRetrying))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]any{"a", 1, "b"}))
}

func TestRedisMirrorWriteRequiresConnection(t *testing.T) {
	m := NewRedisMirror(DefaultRedisConfig())
	err := m.Write(context.Background(), events.New(events.TaskSubmitted, nil).ForTask("t1"))
	assert.Error(t, err)
	assert.NoError(t, m.Close())
}

// Runs against a live server when AGENTCORE_TEST_REDIS_ADDR is set
func TestRedisMirrorIntegration(t *testing.T) {
	addr := os.Getenv("AGENTCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTCORE_TEST_REDIS_ADDR not set")
	}

	cfg := DefaultRedisConfig()
	cfg.Address = addr
	cfg.KeyPrefix = "agentcore-test:" + time.Now().Format("150405.000000") + ":"

	m := NewRedisMirror(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Close()

	register := events.New(events.AgentRegistered, map[string]any{
		"type":         "worker",
		"capabilities": []string{"GEN", "PDF"},
	}).ForAgent("a1")
	require.NoError(t, m.Write(ctx, register))

	ids, err := m.AgentsWithCapability(ctx, "PDF")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)

	require.NoError(t, m.Write(ctx, events.New(events.TaskCompleted, nil).ForTask("t1").ForAgent("a1")))
	state, err := m.TaskState(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", state)

	require.NoError(t, m.Write(ctx, events.New(events.AgentEvicted, nil).ForAgent("a1")))
	ids, err = m.AgentsWithCapability(ctx, "GEN")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
