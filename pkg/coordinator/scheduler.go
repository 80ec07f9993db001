package coordinator

import (
	"fmt"
	"time"

	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/registry"
)

type depState int

const (
	depsMet depState = iota
	depsPending
	depsFailed
)

// scheduleStep promotes due delayed items and dispatches up to
// MaxDispatchPerTick ready tasks. Runs on the actor goroutine.
func (c *Coordinator) scheduleStep(now time.Time) {
	c.queue.promote(now)

	for i := 0; i < c.config.MaxDispatchPerTick; i++ {
		item, ok := c.queue.pop()
		if !ok {
			break
		}
		e, ok := c.tasks[item.taskID]
		if !ok || !schedulable(e.task.Status) {
			continue
		}
		c.dispatch(e, item, now)
	}

	c.metrics.SetGauge(metrics.QueueDepth.Name, float64(c.queue.len()), nil)
}

func schedulable(s models.TaskStatus) bool {
	return s == models.TaskQueued || s == models.TaskPending || s == models.TaskRetrying
}

// dispatch tries to hand one task to an agent. Tasks that cannot go yet
// are parked: a short delay for unmet dependencies, a longer one when no
// agent qualifies.
func (c *Coordinator) dispatch(e *taskEntry, item *queueItem, now time.Time) {
	t := &e.task

	switch state, depID := c.dependencyState(t); state {
	case depsFailed:
		c.fail(e, fmt.Sprintf("dependency %s failed", depID), now)
		return
	case depsPending:
		t.Status = models.TaskPending
		c.queue.delay(item, now.Add(c.config.DependencyRetryDelay), waitDependency)
		return
	}

	agentID, found := c.directory.FindBestAgent(registry.Selection{
		Required:    t.RequiredCapabilities,
		Preferred:   t.PreferredAgents,
		Excluded:    t.ExcludedAgents,
		LoadBalance: true,
	})
	if !found || !c.directory.Acquire(agentID) {
		t.Status = models.TaskPending
		c.queue.delay(item, now.Add(c.config.NoAgentRetryDelay), waitAgent)
		return
	}

	prev := t.Status
	t.Status = models.TaskAssigned
	t.AssignedAgent = agentID
	t.AssignedAt = timePtr(now)
	t.StartedAt = nil

	env := c.envelope(agentID, models.KindTaskAssignment,
		models.AssignmentPayload{Task: t.Clone()}, t.Priority).WithCorrelationID(t.ID)
	if !c.directory.RouteMessage(env) {
		c.directory.Release(agentID)
		t.Status = prev
		t.AssignedAgent = ""
		t.AssignedAt = nil
		if prev == models.TaskQueued {
			t.Status = models.TaskPending
		}
		c.queue.delay(item, now.Add(c.config.NoAgentRetryDelay), waitAgent)
		c.logger.Warn("assignment not delivered, rolled back",
			logging.TaskID(t.ID),
			logging.AgentID(agentID),
		)
		return
	}

	c.logger.Debug("task assigned",
		logging.TaskID(t.ID),
		logging.AgentID(agentID),
		logging.Int("attempt", t.RetryCount+1),
	)
	c.events.Publish(events.New(events.TaskAssigned, map[string]any{
		"type":    t.Type,
		"attempt": t.RetryCount + 1,
	}).ForTask(t.ID).ForAgent(agentID))
}

// dependencyState reports whether every dependency allows t to run. A
// hard dependency must complete; an optional one only has to finish.
func (c *Coordinator) dependencyState(t *models.Task) (depState, string) {
	state := depsMet
	for _, d := range t.Dependencies {
		dep, ok := c.tasks[d.TaskID]
		switch {
		case !ok:
			if !d.Optional {
				return depsFailed, d.TaskID
			}
		case dep.task.Status == models.TaskCompleted:
		case dep.task.Status.Terminal():
			if !d.Optional {
				return depsFailed, d.TaskID
			}
		default:
			state = depsPending
		}
	}
	return state, ""
}

// monitorStep times out running tasks and resets stale assignments
func (c *Coordinator) monitorStep(now time.Time) {
	for _, id := range c.sortedTaskIDs() {
		e := c.tasks[id]
		t := &e.task
		switch t.Status {
		case models.TaskRunning:
			if _, registered := c.directory.Get(t.AssignedAgent); !registered {
				c.requeue(e, "agent gone", false, now)
			} else if t.StartedAt != nil && now.Sub(*t.StartedAt) > t.Timeout {
				c.timeOut(e, now)
			}
		case models.TaskAssigned:
			if _, registered := c.directory.Get(t.AssignedAgent); !registered {
				c.requeue(e, "agent gone", false, now)
			} else if t.AssignedAt != nil && now.Sub(*t.AssignedAt) > c.config.AssignmentGrace {
				c.requeue(e, "assignment not started", true, now)
			}
		}
	}
}

func (c *Coordinator) timeOut(e *taskEntry, now time.Time) {
	t := &e.task
	agentID := t.AssignedAgent

	t.Status = models.TaskTimeout
	c.directory.Release(agentID)
	c.sendCancel(t, "timed out")
	if err := c.directory.UpdatePerformance(agentID, false, t.Timeout); err != nil {
		c.logger.Debug("performance not recorded", logging.AgentID(agentID), logging.Err(err))
	}

	c.logger.Warn("task timed out",
		logging.TaskID(t.ID),
		logging.AgentID(agentID),
		logging.Duration("timeout", t.Timeout),
	)
	c.events.Publish(events.New(events.TaskTimedOut, map[string]any{
		"timeout": t.Timeout.String(),
	}).ForTask(t.ID).ForAgent(agentID))

	c.retryOrFail(e, "timeout", fmt.Sprintf("timed out after %s", t.Timeout), now)
	c.queue.wake(waitAgent, now)
}

// requeue sends an assigned task back to the ready queue without touching
// its retry budget
func (c *Coordinator) requeue(e *taskEntry, reason string, release bool, now time.Time) {
	t := &e.task
	agentID := t.AssignedAgent
	if release && agentID != "" {
		c.directory.Release(agentID)
	}

	t.Status = models.TaskPending
	t.AssignedAgent = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	c.queue.remove(t.ID)
	c.queue.push(e.item())

	c.logger.Info("task requeued",
		logging.TaskID(t.ID),
		logging.AgentID(agentID),
		logging.String("reason", reason),
	)
	c.events.Publish(events.New(events.TaskRequeued, map[string]any{
		"reason": reason,
	}).ForTask(t.ID).ForAgent(agentID))
}

// retryOrFail spends one unit of retry budget and parks the task for the
// backoff delay, or fails it when the budget is gone
func (c *Coordinator) retryOrFail(e *taskEntry, reason, errMsg string, now time.Time) {
	t := &e.task
	t.LastError = errMsg

	if t.RetryCount >= t.MaxRetries {
		c.fail(e, errMsg, now)
		return
	}

	t.RetryCount++
	t.Status = models.TaskRetrying
	t.AssignedAgent = ""
	t.AssignedAt = nil
	t.StartedAt = nil

	delay := c.config.Backoff.Delay(t.RetryCount)
	c.queue.remove(t.ID)
	c.queue.delay(e.item(), now.Add(delay), waitBackoff)

	c.metrics.IncrementCounter(metrics.TaskRetries.Name, metrics.Labels("task_type", t.Type, "reason", reason))
	c.logger.Info("task retrying",
		logging.TaskID(t.ID),
		logging.Int("attempt", t.RetryCount),
		logging.Duration("delay", delay),
		logging.String("reason", reason),
	)
	c.events.Publish(events.New(events.TaskRetrying, map[string]any{
		"attempt": t.RetryCount,
		"delay":   delay.String(),
		"reason":  reason,
	}).ForTask(t.ID))
}

// fail moves a task to FAILED with msg as its last error
func (c *Coordinator) fail(e *taskEntry, msg string, now time.Time) {
	t := &e.task
	t.Status = models.TaskFailed
	t.LastError = msg
	if t.Result == nil {
		t.Result = &models.TaskResult{
			TaskID:      t.ID,
			AgentID:     t.AssignedAgent,
			Success:     false,
			Error:       msg,
			CompletedAt: now,
		}
	}
	c.finish(e, now)
}

// finish records a terminal transition. Tasks waiting on dependencies are
// woken so they see it on the next step.
func (c *Coordinator) finish(e *taskEntry, now time.Time) {
	t := &e.task
	t.EndedAt = timePtr(now)
	c.queue.remove(t.ID)
	c.queue.wake(waitDependency, now)

	c.metrics.IncrementCounter(metrics.TasksFinished.Name,
		metrics.Labels("task_type", t.Type, "status", string(t.Status)))

	var typ events.Type
	switch t.Status {
	case models.TaskCompleted:
		typ = events.TaskCompleted
		c.logger.Info("task completed", logging.TaskID(t.ID), logging.AgentID(t.AssignedAgent))
	case models.TaskCancelled:
		typ = events.TaskCancelled
		c.logger.Info("task cancelled", logging.TaskID(t.ID), logging.String("reason", t.LastError))
	default:
		typ = events.TaskFailed
		c.logger.Warn("task failed",
			logging.TaskID(t.ID),
			logging.String("error", t.LastError),
			logging.Int("retries", t.RetryCount),
		)
	}
	data := map[string]any{"type": t.Type}
	if t.LastError != "" && t.Status != models.TaskCompleted {
		data["error"] = t.LastError
	}
	c.events.Publish(events.New(typ, data).ForTask(t.ID).ForAgent(t.AssignedAgent))
}

func (c *Coordinator) onStatus(sender string, p models.StatusPayload, now time.Time) {
	e, ok := c.tasks[p.TaskID]
	if !ok || e.task.AssignedAgent != sender {
		return
	}
	t := &e.task
	if p.Status != models.TaskRunning || t.Status != models.TaskAssigned {
		return
	}

	t.Status = models.TaskRunning
	t.StartedAt = timePtr(now)
	c.events.Publish(events.New(events.TaskStarted, nil).ForTask(t.ID).ForAgent(sender))
}

func (c *Coordinator) onResult(sender string, r models.TaskResult, now time.Time) {
	e, ok := c.tasks[r.TaskID]
	if !ok {
		c.logger.Warn("result for unknown task", logging.TaskID(r.TaskID), logging.AgentID(sender))
		return
	}
	t := &e.task
	if !isActive(t.Status) || t.AssignedAgent != sender {
		c.logger.Debug("ignoring stale result",
			logging.TaskID(t.ID),
			logging.AgentID(sender),
			logging.String("status", string(t.Status)),
		)
		return
	}

	c.directory.Release(sender)
	elapsed := r.Duration
	if elapsed <= 0 && t.AssignedAt != nil {
		elapsed = now.Sub(*t.AssignedAt)
	}
	if err := c.directory.UpdatePerformance(sender, r.Success, elapsed); err != nil {
		c.logger.Debug("performance not recorded", logging.AgentID(sender), logging.Err(err))
	}
	c.metrics.ObserveHistogram(metrics.TaskDuration.Name, elapsed.Seconds(), metrics.Labels("task_type", t.Type))

	result := r.Clone()
	result.AgentID = sender
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	t.Result = &result

	if result.Success {
		t.Status = models.TaskCompleted
		t.LastError = ""
		c.finish(e, now)
	} else {
		msg := result.Error
		if msg == "" {
			msg = "task failed"
		}
		c.retryOrFail(e, "failure", msg, now)
	}
	c.queue.wake(waitAgent, now)
}

func (c *Coordinator) onRejected(sender string, p models.RejectionPayload, now time.Time) {
	e, ok := c.tasks[p.TaskID]
	if !ok || e.task.AssignedAgent != sender || !isActive(e.task.Status) {
		return
	}
	t := &e.task
	c.directory.Release(sender)

	t.Status = models.TaskPending
	t.AssignedAgent = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	c.queue.remove(t.ID)
	c.queue.delay(e.item(), now.Add(c.config.DependencyRetryDelay), waitAgent)

	c.logger.Info("task rejected",
		logging.TaskID(t.ID),
		logging.AgentID(sender),
		logging.String("reason", p.Reason),
	)
	c.events.Publish(events.New(events.TaskRequeued, map[string]any{
		"reason": "rejected: " + p.Reason,
	}).ForTask(t.ID).ForAgent(sender))
}
