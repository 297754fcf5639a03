package executions

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/execution/invoker"
	"github.com/animus-labs/mediaflow/internal/execution/pipectx"
	"github.com/animus-labs/mediaflow/internal/platform/errtrack"
	"github.com/animus-labs/mediaflow/internal/platform/events"
	"github.com/animus-labs/mediaflow/internal/service/usage"
)

// run drives one execution from pending to a terminal state. Store writes
// use a context that outlives the execution deadline so the terminal status
// is always written.
func (c *Coordinator) run(id string) {
	store := context.WithoutCancel(c.baseCtx)
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.ExecutionTimeout)
	defer cancel()

	exec, err := c.executions.Get(store, id)
	if err != nil {
		c.logger.Error("load execution for run", "execution_id", id, "error", err)
		errtrack.CaptureError(err, map[string]string{"execution_id": id})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			perr := errtrack.CapturePanic(r, map[string]string{"execution_id": id})
			c.logger.Error("execution panicked", "execution_id", id, "error", perr)
			c.failInternal(store, exec)
		}
	}()

	if exec.Status != domain.ExecutionPending {
		return
	}
	if c.baseCtx.Err() != nil {
		c.terminate(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
			return e.Fail(messageShutdown, c.now())
		})
		return
	}
	if exec.CancelRequested {
		c.terminate(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
			return e.Transition(domain.ExecutionCancelled, c.now())
		})
		return
	}

	exec, err = c.apply(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
		return e.Transition(domain.ExecutionRunning, c.now())
	})
	if err != nil {
		if !isTransition(err) {
			c.logger.Error("start execution", "execution_id", id, "error", err)
			c.failInternal(store, exec)
		}
		return
	}
	c.logger.Info("execution started", "execution_id", exec.ID, "pipeline_id", exec.PipelineID, "steps", len(exec.Steps))
	c.publishStatus(exec)

	state := pipectx.New(exec.ContextData)
	for i := exec.StepCursor; i < len(exec.Steps); i++ {
		step := exec.Steps[i]

		current, err := c.executions.Get(store, exec.ID)
		if err != nil {
			c.logger.Error("reload execution", "execution_id", exec.ID, "error", err)
			c.failInternal(store, exec)
			return
		}
		if current.Status.IsTerminal() {
			return
		}
		exec.CancelRequested = current.CancelRequested
		if exec.CancelRequested {
			c.logger.Info("execution cancellation observed", "execution_id", exec.ID, "step_index", i)
			c.terminate(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
				return e.Transition(domain.ExecutionCancelled, c.now())
			})
			return
		}
		if msg, stopped := c.interrupted(ctx, i, step); stopped {
			c.terminate(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
				return e.Fail(msg, c.now())
			})
			return
		}

		outcome := c.invoker.Invoke(ctx, invoker.Request{
			ExecutionID: exec.ID,
			StepIndex:   i,
			Step:        step,
			Input:       state,
		})

		if _, _, err := c.outcomes.Insert(store, outcome.Step); err != nil {
			c.logger.Error("persist step outcome", "execution_id", exec.ID, "step_index", i, "error", err)
			c.failInternal(store, exec)
			return
		}
		c.publishOutcome(outcome.Step)

		if outcome.Err != nil {
			msg, stopped := c.interrupted(ctx, i, step)
			if !stopped {
				msg = fmt.Sprintf("step %d (%s) failed: %s", i, step.Name(), outcome.Err.Error())
			}
			c.terminate(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
				e.ContextData = state.Data()
				return e.Fail(msg, c.now())
			})
			return
		}

		if _, err := c.usage.Record(store, usage.Record{
			UserID:      exec.OwnerID,
			Service:     step.Service,
			ExecutionID: exec.ID,
			StepIndex:   i,
			Tokens:      outcome.Step.TokensUsed,
			CostMicros:  outcome.Step.CostMicros,
			At:          outcome.Step.FinishedAt,
		}); err != nil {
			c.logger.Error("record usage", "execution_id", exec.ID, "step_index", i, "error", err)
			errtrack.CaptureError(err, map[string]string{"execution_id": exec.ID, "step_index": strconv.Itoa(i)})
		}

		state = state.With(outcome.Result.Output)
		cursor := i + 1
		exec, err = c.apply(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
			if e.Status != domain.ExecutionRunning {
				return e, &domain.TransitionError{From: e.Status, To: domain.ExecutionRunning}
			}
			e.StepCursor = cursor
			e.ContextData = state.Data()
			e.UpdatedAt = c.now().UTC()
			return e, nil
		})
		if err != nil {
			if !isTransition(err) {
				c.logger.Error("advance step cursor", "execution_id", exec.ID, "step_index", i, "error", err)
				c.failInternal(store, exec)
			}
			return
		}
		c.logger.Info("step completed",
			"execution_id", exec.ID,
			"step_index", i,
			"service", string(step.Service),
			"action", step.Action,
			"attempts", outcome.Step.Attempts,
			"latency_ms", outcome.Step.Latency.Milliseconds(),
		)
	}

	c.terminate(store, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
		return e.Complete(state.Data(), c.now())
	})
}

// interrupted reports whether the execution context ended, and the failure
// message for it.
func (c *Coordinator) interrupted(ctx context.Context, index int, step domain.Step) (string, bool) {
	if ctx.Err() == nil {
		return "", false
	}
	if c.baseCtx.Err() != nil {
		return messageShutdown, true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("%s at step %d (%s)", messageTimeout, index, step.Name()), true
	}
	return messageInternal, true
}

func (c *Coordinator) terminate(ctx context.Context, exec domain.PipelineExecution, transition func(domain.PipelineExecution) (domain.PipelineExecution, error)) {
	if _, err := c.finish(ctx, exec, transition); err != nil && !isTransition(err) {
		c.logger.Error("finalize execution", "execution_id", exec.ID, "error", err)
		errtrack.CaptureError(err, map[string]string{"execution_id": exec.ID})
		c.failInternal(ctx, exec)
	}
}

// failInternal is the last resort after an unexpected fault: the execution
// must not stay pending or running.
func (c *Coordinator) failInternal(ctx context.Context, exec domain.PipelineExecution) {
	_, err := c.finish(ctx, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
		return e.Fail(messageInternal, c.now())
	})
	if err != nil && !isTransition(err) {
		c.logger.Error("mark execution failed", "execution_id", exec.ID, "error", err)
		errtrack.CaptureError(err, map[string]string{"execution_id": exec.ID})
	}
}

func (c *Coordinator) publishStatus(exec domain.PipelineExecution) {
	c.events.Publish(exec.ID, events.TypeExecutionStatus, StatusEvent(exec))
}

func (c *Coordinator) publishOutcome(outcome domain.StepOutcome) {
	c.events.Publish(outcome.ExecutionID, events.TypeStepOutcome, OutcomeEvent(outcome))
}

// StatusEvent is the payload of an execution.status event.
func StatusEvent(exec domain.PipelineExecution) map[string]any {
	payload := map[string]any{
		"executionId": exec.ID,
		"pipelineId":  exec.PipelineID,
		"status":      string(exec.Status),
		"stepCursor":  exec.StepCursor,
		"updatedAt":   exec.UpdatedAt,
	}
	if exec.ErrorMessage != "" {
		payload["errorMessage"] = exec.ErrorMessage
	}
	return payload
}

// OutcomeEvent is the payload of a step.outcome event.
func OutcomeEvent(o domain.StepOutcome) map[string]any {
	payload := map[string]any{
		"executionId": o.ExecutionID,
		"stepIndex":   o.StepIndex,
		"service":     string(o.Service),
		"action":      o.Action,
		"status":      string(o.Status),
		"attempts":    o.Attempts,
		"latencyMs":   o.Latency.Milliseconds(),
	}
	if o.ResourceID != "" {
		payload["resourceId"] = o.ResourceID
	}
	if o.Error != "" {
		payload["error"] = o.Error
	}
	return payload
}

// AttemptEvent is the payload of a step.attempt event.
func AttemptEvent(a invoker.Attempt) map[string]any {
	payload := map[string]any{
		"executionId": a.ExecutionID,
		"stepIndex":   a.StepIndex,
		"service":     string(a.Service),
		"action":      a.Action,
		"attempt":     a.Number,
		"status":      string(a.Status),
		"latencyMs":   a.Latency.Milliseconds(),
	}
	if a.Backoff > 0 {
		payload["backoffMs"] = a.Backoff.Milliseconds()
	}
	if a.Err != nil {
		payload["error"] = a.Err.Error()
	}
	return payload
}
