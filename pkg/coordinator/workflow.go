package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
)

// execution pairs a run's state with the workflow snapshot it started from
type execution struct {
	state    models.WorkflowExecution
	workflow models.Workflow
	resumeTo models.WorkflowStatus
}

// RegisterWorkflow validates a workflow and stores it, replacing any
// workflow with the same id. Running executions keep the definition they
// started with.
func (c *Coordinator) RegisterWorkflow(w models.Workflow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	w = cloneWorkflow(w)
	for i, s := range w.Steps {
		params, err := c.schemas.Resolve(s.Task.Type, s.Task.Params)
		if err != nil {
			return fmt.Errorf("%w: step %s: %w", ErrInvalidWorkflow, s.ID, err)
		}
		w.Steps[i].Task.Params = params
		if err := w.Steps[i].Task.Instantiate().Validate(); err != nil {
			return fmt.Errorf("%w: step %s: %w", ErrInvalidWorkflow, s.ID, err)
		}
	}

	var replaced bool
	if err := c.loop.Do(func() {
		_, replaced = c.workflows[w.ID]
		c.workflows[w.ID] = w
	}); err != nil {
		return err
	}
	c.logger.Info("workflow registered",
		logging.String("workflow_id", w.ID),
		logging.Int("steps", len(w.Steps)),
		logging.Bool("replaced", replaced),
	)
	return nil
}

// UnregisterWorkflow removes a workflow definition
func (c *Coordinator) UnregisterWorkflow(workflowID string) bool {
	var ok bool
	c.loop.Do(func() {
		if _, ok = c.workflows[workflowID]; ok {
			delete(c.workflows, workflowID)
		}
	})
	return ok
}

// Workflows returns the registered workflow ids, sorted
func (c *Coordinator) Workflows() []string {
	var ids []string
	c.loop.Do(func() {
		for id := range c.workflows {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// ExecuteWorkflow starts a run of a registered workflow. The run begins on
// the next workflow step.
func (c *Coordinator) ExecuteWorkflow(workflowID string, input map[string]any) (string, error) {
	var (
		id  string
		err error
	)
	if doErr := c.loop.Do(func() {
		w, ok := c.workflows[workflowID]
		if !ok {
			err = fmt.Errorf("execute %s: %w", workflowID, ErrWorkflowNotFound)
			return
		}
		now := c.now()
		id = c.newID(now)
		c.executions[id] = &execution{
			workflow: w,
			state: models.WorkflowExecution{
				ID:          id,
				WorkflowID:  workflowID,
				Status:      models.WorkflowPending,
				Input:       copyValues(input),
				StepResults: make(map[string]models.TaskResult),
				StepTasks:   make(map[string]string),
				CreatedAt:   now,
			},
		}
	}); doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}
	c.logger.Info("workflow execution created", logging.ExecutionID(id), logging.String("workflow_id", workflowID))
	return id, nil
}

// WorkflowStatus returns an execution's status
func (c *Coordinator) WorkflowStatus(executionID string) (models.WorkflowStatus, bool) {
	var (
		status models.WorkflowStatus
		ok     bool
	)
	c.loop.Do(func() {
		if x, found := c.executions[executionID]; found {
			status, ok = x.state.Status, true
		}
	})
	return status, ok
}

// WorkflowResult returns a copy of an execution, including the step
// results gathered so far
func (c *Coordinator) WorkflowResult(executionID string) (models.WorkflowExecution, bool) {
	var (
		state models.WorkflowExecution
		ok    bool
	)
	c.loop.Do(func() {
		if x, found := c.executions[executionID]; found {
			state, ok = x.state.Clone(), true
		}
	})
	return state, ok
}

// CancelWorkflow stops an execution and cancels its outstanding step tasks
func (c *Coordinator) CancelWorkflow(executionID string) bool {
	var ok bool
	c.loop.Do(func() {
		x, found := c.executions[executionID]
		if !found || x.state.Status.Terminal() {
			return
		}
		c.finishExecution(x, models.WorkflowCancelled, "cancelled by caller", c.now())
		ok = true
	})
	return ok
}

// PauseWorkflow stops an execution from creating new step tasks. Tasks
// already created keep running.
func (c *Coordinator) PauseWorkflow(executionID string) bool {
	var ok bool
	c.loop.Do(func() {
		x, found := c.executions[executionID]
		if !found {
			return
		}
		if x.state.Status != models.WorkflowPending && x.state.Status != models.WorkflowRunning {
			return
		}
		x.resumeTo = x.state.Status
		x.state.Status = models.WorkflowPaused
		c.events.Publish(events.New(events.WorkflowPaused, map[string]any{
			"workflow_id": x.state.WorkflowID,
		}).ForExecution(executionID))
		ok = true
	})
	return ok
}

// ResumeWorkflow continues a paused execution
func (c *Coordinator) ResumeWorkflow(executionID string) bool {
	var ok bool
	c.loop.Do(func() {
		x, found := c.executions[executionID]
		if !found || x.state.Status != models.WorkflowPaused {
			return
		}
		x.state.Status = x.resumeTo
		c.events.Publish(events.New(events.WorkflowResumed, map[string]any{
			"workflow_id": x.state.WorkflowID,
		}).ForExecution(executionID))
		ok = true
	})
	return ok
}

// workflowStep advances every live execution, oldest first
func (c *Coordinator) workflowStep(now time.Time) {
	ids := make([]string, 0, len(c.executions))
	for id, x := range c.executions {
		if !x.state.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.advance(c.executions[id], now)
	}
}

// advance collects finished step results, settles the execution when it
// can and creates tasks for every step whose dependencies are satisfied
func (c *Coordinator) advance(x *execution, now time.Time) {
	st := &x.state
	switch st.Status {
	case models.WorkflowPaused:
		return
	case models.WorkflowPending:
		st.Status = models.WorkflowRunning
		st.StartedAt = timePtr(now)
		c.logger.Info("workflow execution started", logging.ExecutionID(st.ID), logging.String("workflow_id", st.WorkflowID))
		c.events.Publish(events.New(events.WorkflowStarted, map[string]any{
			"workflow_id": st.WorkflowID,
		}).ForExecution(st.ID))
	}

	for _, s := range x.workflow.Steps {
		taskID, created := st.StepTasks[s.ID]
		if !created {
			continue
		}
		if _, done := st.StepResults[s.ID]; done {
			continue
		}
		if e, ok := c.tasks[taskID]; ok && e.task.Status.Terminal() {
			st.StepResults[s.ID] = stepResult(e.task)
		}
	}

	for _, s := range x.workflow.Steps {
		if r, ok := st.StepResults[s.ID]; ok && !r.Success && !s.Optional {
			c.finishExecution(x, models.WorkflowFailed, fmt.Sprintf("step %s failed: %s", s.ID, r.Error), now)
			return
		}
	}

	if len(st.StepResults) == len(x.workflow.Steps) {
		st.Output = make(map[string]any, len(st.StepResults))
		for stepID, r := range st.StepResults {
			st.Output[stepID] = r.Output
		}
		c.finishExecution(x, models.WorkflowCompleted, "", now)
		return
	}

	for _, s := range x.workflow.Steps {
		if _, created := st.StepTasks[s.ID]; created || !c.stepReady(x, s) {
			continue
		}
		c.createStepTask(x, s, now)
	}
}

// stepReady reports whether every step s depends on has a usable result
func (c *Coordinator) stepReady(x *execution, s models.WorkflowStep) bool {
	for _, dep := range s.DependsOn {
		r, ok := x.state.StepResults[dep]
		if !ok {
			return false
		}
		if !r.Success {
			if depStep, _ := x.workflow.Step(dep); !depStep.Optional {
				return false
			}
		}
	}
	return true
}

func (c *Coordinator) createStepTask(x *execution, s models.WorkflowStep, now time.Time) {
	st := &x.state
	t := s.Task.Instantiate()
	t.WorkflowExecutionID = st.ID
	t.StepID = s.ID

	upstream := make(map[string]any, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		upstream[dep] = st.StepResults[dep].Output
	}
	t.Inputs = map[string]any{
		"input": copyValues(st.Input),
		"steps": upstream,
	}

	id, err := c.submit(t, 0, now)
	if err != nil {
		st.StepResults[s.ID] = models.TaskResult{Success: false, Error: err.Error(), CompletedAt: now}
		c.logger.Error("workflow step could not be submitted",
			logging.ExecutionID(st.ID),
			logging.String("step_id", s.ID),
			logging.Err(err),
		)
		return
	}
	st.StepTasks[s.ID] = id
	c.logger.Debug("workflow step created",
		logging.ExecutionID(st.ID),
		logging.String("step_id", s.ID),
		logging.TaskID(id),
	)
}

// finishExecution settles an execution. Failed and cancelled runs cancel
// their outstanding step tasks; results already gathered are kept.
func (c *Coordinator) finishExecution(x *execution, status models.WorkflowStatus, errMsg string, now time.Time) {
	st := &x.state
	st.Status = status
	st.Error = errMsg
	st.CompletedAt = timePtr(now)

	if status != models.WorkflowCompleted {
		for _, s := range x.workflow.Steps {
			if taskID, ok := st.StepTasks[s.ID]; ok {
				c.cancelTask(taskID, fmt.Sprintf("workflow %s", status), now)
			}
		}
	}

	c.metrics.IncrementCounter(metrics.WorkflowExecutions.Name,
		metrics.Labels("workflow_id", st.WorkflowID, "status", string(status)))

	data := map[string]any{"workflow_id": st.WorkflowID}
	var typ events.Type
	switch status {
	case models.WorkflowCompleted:
		typ = events.WorkflowCompleted
		c.logger.Info("workflow execution completed", logging.ExecutionID(st.ID))
	case models.WorkflowCancelled:
		typ = events.WorkflowCancelled
		c.logger.Info("workflow execution cancelled", logging.ExecutionID(st.ID))
	default:
		typ = events.WorkflowFailed
		data["error"] = errMsg
		c.logger.Warn("workflow execution failed", logging.ExecutionID(st.ID), logging.String("error", errMsg))
	}
	c.events.Publish(events.New(typ, data).ForExecution(st.ID))
}

// stepResult reads the outcome of a finished step task
func stepResult(t models.Task) models.TaskResult {
	if t.Result != nil {
		r := t.Result.Clone()
		r.Success = t.Status == models.TaskCompleted
		return r
	}
	r := models.TaskResult{
		TaskID:  t.ID,
		AgentID: t.AssignedAgent,
		Success: t.Status == models.TaskCompleted,
		Error:   t.LastError,
	}
	if r.Error == "" && !r.Success {
		r.Error = string(t.Status)
	}
	if t.EndedAt != nil {
		r.CompletedAt = *t.EndedAt
	}
	return r
}

func cloneWorkflow(w models.Workflow) models.Workflow {
	steps := make([]models.WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Task.RequiredCapabilities = append([]string(nil), s.Task.RequiredCapabilities...)
		steps[i] = s
	}
	w.Steps = steps
	return w
}

func copyValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
