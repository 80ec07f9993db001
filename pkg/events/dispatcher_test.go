package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
)

type failingSink struct{ closed bool }

func (f *failingSink) Name() string                        { return "failing" }
func (f *failingSink) Write(context.Context, Event) error { return errors.New("broker down") }
func (f *failingSink) Close() error                        { f.closed = true; return nil }

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	d := NewDispatcher(DefaultDispatcherConfig(), logging.NewNop(), metrics.Nop{}, a, b)

	d.Publish(New(TaskSubmitted, nil).ForTask("t1"))
	d.Publish(New(TaskCompleted, nil).ForTask("t1"))
	require.NoError(t, d.Close())

	assert.Equal(t, []Type{TaskSubmitted, TaskCompleted}, a.Types())
	assert.Equal(t, []Type{TaskSubmitted, TaskCompleted}, b.Types())
}

func TestDispatcherSurvivesFailingSink(t *testing.T) {
	bad := &failingSink{}
	good := NewRecorder()
	d := NewDispatcher(DefaultDispatcherConfig(), logging.NewNop(), nil, bad, good)

	d.Publish(New(AgentRegistered, nil).ForAgent("a1"))
	require.NoError(t, d.Close())

	assert.Len(t, good.Events(), 1)
	assert.True(t, bad.closed)
}

func TestDispatcherIgnoresPublishAfterClose(t *testing.T) {
	r := NewRecorder()
	d := NewDispatcher(DefaultDispatcherConfig(), logging.NewNop(), nil, r)
	require.NoError(t, d.Close())

	d.Publish(New(TaskSubmitted, nil))
	assert.Empty(t, r.Events())
}

func TestEventKeyAndCategory(t *testing.T) {
	e := New(TaskAssigned, nil).ForAgent("a1")
	assert.Equal(t, "a1", e.Key())
	assert.Equal(t, "t1", e.ForTask("t1").Key())
	assert.Equal(t, "task", TaskAssigned.Category())
	assert.Equal(t, "health", HealthAlert.Category())
}
