package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/registry"
)

func step(id, taskType string, deps ...string) models.WorkflowStep {
	return models.WorkflowStep{
		ID: id,
		Task: models.TaskTemplate{
			Type:                 taskType,
			RequiredCapabilities: []string{"BOOK"},
			Priority:             models.PriorityNormal,
		},
		DependsOn: deps,
	}
}

func bookWorkflow() models.Workflow {
	return models.Workflow{
		ID:   "book",
		Name: "Puzzle book",
		Steps: []models.WorkflowStep{
			step("gen", "generate"),
			step("layout", "layout", "gen"),
			step("qa", "qa", "layout"),
		},
	}
}

// runStep advances the workflow, dispatches the created task and returns it
func runStep(t *testing.T, f *fixture, agentID string) models.Task {
	t.Helper()
	f.advanceWorkflows()
	f.schedule()
	return f.assignment(t, agentID)
}

func TestWorkflowStepFailureStopsExecution(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	f.register(t, "A1", 3, "BOOK")
	require.NoError(t, f.co.RegisterWorkflow(bookWorkflow()))

	execID, err := f.co.ExecuteWorkflow("book", map[string]any{"title": "Sudoku"})
	require.NoError(t, err)
	status, _ := f.co.WorkflowStatus(execID)
	assert.Equal(t, models.WorkflowPending, status)

	gen := runStep(t, f, "A1")
	assert.Equal(t, "gen", gen.StepID)
	assert.Equal(t, execID, gen.WorkflowExecutionID)
	assert.Equal(t, map[string]any{"title": "Sudoku"}, gen.Inputs["input"])
	f.succeed("A1", gen.ID, map[string]any{"puzzles": 40})

	layout := runStep(t, f, "A1")
	assert.Equal(t, "layout", layout.StepID)
	assert.Equal(t, map[string]any{"gen": map[string]any{"puzzles": 40}}, layout.Inputs["steps"])
	f.failWith("A1", layout.ID, "font missing")
	require.Equal(t, models.TaskFailed, f.status(t, layout.ID))

	f.advanceWorkflows()
	res, ok := f.co.WorkflowResult(execID)
	require.True(t, ok)
	assert.Equal(t, models.WorkflowFailed, res.Status)
	assert.Equal(t, "step layout failed: font missing", res.Error)
	assert.Len(t, res.StepResults, 2)
	assert.True(t, res.StepResults["gen"].Success)
	assert.False(t, res.StepResults["layout"].Success)
	assert.NotContains(t, res.StepTasks, "qa")
	assert.NotNil(t, res.CompletedAt)

	f.advanceWorkflows()
	res, _ = f.co.WorkflowResult(execID)
	assert.NotContains(t, res.StepTasks, "qa")
	assert.Equal(t, 2, f.co.Stats().Tasks)
	assert.Contains(t, f.events.Types(), events.WorkflowFailed)
}

func TestWorkflowCompletesWithParallelSteps(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	f.register(t, "A1", 4, "BOOK")

	w := models.Workflow{
		ID: "fanout",
		Steps: []models.WorkflowStep{
			step("gen", "generate"),
			step("cover", "cover", "gen"),
			step("interior", "layout", "gen"),
			step("bind", "bind", "cover", "interior"),
		},
	}
	require.NoError(t, f.co.RegisterWorkflow(w))
	execID, err := f.co.ExecuteWorkflow("fanout", nil)
	require.NoError(t, err)

	gen := runStep(t, f, "A1")
	f.succeed("A1", gen.ID, map[string]any{"n": 1})

	f.advanceWorkflows()
	f.schedule()
	first, second := f.assignment(t, "A1"), f.assignment(t, "A1")
	assert.ElementsMatch(t, []string{"cover", "interior"}, []string{first.StepID, second.StepID})

	f.succeed("A1", first.ID, map[string]any{"part": first.StepID})
	f.advanceWorkflows()
	res, _ := f.co.WorkflowResult(execID)
	assert.NotContains(t, res.StepTasks, "bind", "bind waits for both branches")

	f.succeed("A1", second.ID, map[string]any{"part": second.StepID})
	bind := runStep(t, f, "A1")
	assert.Equal(t, "bind", bind.StepID)
	f.succeed("A1", bind.ID, map[string]any{"isbn": "978-0"})

	f.advanceWorkflows()
	res, _ = f.co.WorkflowResult(execID)
	assert.Equal(t, models.WorkflowCompleted, res.Status)
	assert.Equal(t, map[string]any{"isbn": "978-0"}, res.Output["bind"])
	assert.Equal(t, map[string]any{"part": "cover"}, res.Output["cover"])
	assert.Len(t, res.Output, 4)
}

func TestWorkflowOptionalStepFailure(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	f.register(t, "A1", 2, "BOOK")

	extra := step("extras", "extras", "gen")
	extra.Optional = true
	extra.Task.MaxRetries = 0
	w := models.Workflow{
		ID:    "optional",
		Steps: []models.WorkflowStep{step("gen", "generate"), extra, step("pack", "pack", "extras")},
	}
	require.NoError(t, f.co.RegisterWorkflow(w))
	execID, _ := f.co.ExecuteWorkflow("optional", nil)

	gen := runStep(t, f, "A1")
	f.succeed("A1", gen.ID, nil)
	extras := runStep(t, f, "A1")
	f.failWith("A1", extras.ID, "no stickers")

	pack := runStep(t, f, "A1")
	assert.Equal(t, "pack", pack.StepID)
	f.succeed("A1", pack.ID, nil)

	f.advanceWorkflows()
	res, _ := f.co.WorkflowResult(execID)
	assert.Equal(t, models.WorkflowCompleted, res.Status)
	assert.False(t, res.StepResults["extras"].Success)
}

func TestWorkflowPauseResumeCancel(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())
	f.register(t, "A1", 2, "BOOK")
	require.NoError(t, f.co.RegisterWorkflow(bookWorkflow()))
	execID, _ := f.co.ExecuteWorkflow("book", nil)

	gen := runStep(t, f, "A1")
	assert.True(t, f.co.PauseWorkflow(execID))
	assert.False(t, f.co.PauseWorkflow(execID))

	f.succeed("A1", gen.ID, nil)
	f.advanceWorkflows()
	res, _ := f.co.WorkflowResult(execID)
	assert.Equal(t, models.WorkflowPaused, res.Status)
	assert.NotContains(t, res.StepTasks, "layout", "paused executions create no steps")

	assert.True(t, f.co.ResumeWorkflow(execID))
	layout := runStep(t, f, "A1")
	assert.Equal(t, "layout", layout.StepID)

	assert.True(t, f.co.CancelWorkflow(execID))
	assert.False(t, f.co.CancelWorkflow(execID))
	status, _ := f.co.WorkflowStatus(execID)
	assert.Equal(t, models.WorkflowCancelled, status)
	assert.Equal(t, models.TaskCancelled, f.status(t, layout.ID))
	assert.Equal(t, 0, f.load(t, "A1"))
}

func TestRegisterWorkflowValidation(t *testing.T) {
	f := newFixture(t, registry.DefaultConfig())

	cyclic := bookWorkflow()
	cyclic.Steps[0].DependsOn = []string{"qa"}
	assert.ErrorIs(t, f.co.RegisterWorkflow(cyclic), ErrInvalidWorkflow)

	unknown := bookWorkflow()
	unknown.Steps[2].DependsOn = []string{"print"}
	assert.ErrorIs(t, f.co.RegisterWorkflow(unknown), ErrInvalidWorkflow)

	badPriority := bookWorkflow()
	badPriority.Steps[1].Task.Priority = 42
	assert.ErrorIs(t, f.co.RegisterWorkflow(badPriority), ErrInvalidWorkflow)

	_, err := f.co.ExecuteWorkflow("book", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	withPageSchema(f)
	badParams := bookWorkflow()
	badParams.Steps[1].Task.Params = models.RawParams{Type: "layout", Values: map[string]any{"count": -3}}
	err = f.co.RegisterWorkflow(badParams)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.Contains(t, err.Error(), "step layout")
	assert.NotContains(t, f.co.Workflows(), "book")

	valid := bookWorkflow()
	valid.Steps[1].Task.Params = models.RawParams{Type: "layout", Values: map[string]any{"count": 3}}
	require.NoError(t, f.co.RegisterWorkflow(valid))
	assert.Equal(t, []string{"book"}, f.co.Workflows())
	assert.True(t, f.co.UnregisterWorkflow("book"))
	assert.False(t, f.co.UnregisterWorkflow("book"))
}
