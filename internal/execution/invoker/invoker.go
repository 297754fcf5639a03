// Package invoker runs one pipeline step against its downstream service.
//
// Every attempt is bounded by the service timeout and by the caller's
// context, whichever ends first. Transient failures are retried with
// exponential backoff; anything else ends the step on the first attempt.
// The result is always a StepOutcome: downstream failures never escape as
// bare errors.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/downstream"
	"github.com/animus-labs/mediaflow/internal/execution/pipectx"
)

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mediaflow:step-invocation"))

// IdempotencyKey is stable for a given (execution, step index), so every
// attempt of a step presents the same key downstream.
func IdempotencyKey(executionID string, stepIndex int) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("%s/%d", executionID, stepIndex))).String()
}

// Request names the step to run and the context snapshot it reads.
type Request struct {
	ExecutionID string
	StepIndex   int
	Step        domain.Step
	Input       pipectx.Context
}

// Attempt describes one finished attempt. Status is retried when another
// attempt follows.
type Attempt struct {
	ExecutionID string
	StepIndex   int
	Service     domain.ServiceKind
	Action      string
	Number      int
	Status      domain.StepStatus
	Latency     time.Duration
	Backoff     time.Duration
	Err         error
}

// Outcome is the invoker's result. Err is the terminal error of a failed
// step and nil on success.
type Outcome struct {
	Step   domain.StepOutcome
	Result downstream.Result
	Err    error
}

type Options struct {
	Logger *slog.Logger
	// OnAttempt observes every attempt, in order.
	OnAttempt func(Attempt)
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

type Invoker struct {
	client    downstream.Client
	cfg       Config
	logger    *slog.Logger
	onAttempt func(Attempt)
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(client downstream.Client, cfg Config, opts Options) (*Invoker, error) {
	if client == nil {
		return nil, errors.New("downstream client is required")
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	inv := &Invoker{
		client:    client,
		cfg:       cfg,
		logger:    opts.Logger,
		onAttempt: opts.OnAttempt,
		now:       opts.Now,
		sleep:     opts.Sleep,
	}
	if inv.logger == nil {
		inv.logger = slog.New(slog.DiscardHandler)
	}
	if inv.now == nil {
		inv.now = time.Now
	}
	if inv.sleep == nil {
		inv.sleep = sleepContext
	}
	return inv, nil
}

func (i *Invoker) Invoke(ctx context.Context, req Request) Outcome {
	step := req.Step
	started := i.now().UTC()
	outcome := domain.StepOutcome{
		ExecutionID: req.ExecutionID,
		StepIndex:   req.StepIndex,
		Service:     step.Service,
		Action:      step.Action,
		StartedAt:   started,
	}
	finish := func(res downstream.Result, attempts int, err error) Outcome {
		outcome.Attempts = attempts
		outcome.FinishedAt = i.now().UTC()
		outcome.Latency = outcome.FinishedAt.Sub(started)
		outcome.ResourceID = res.ResourceID
		if err != nil {
			outcome.Status = domain.StepFailed
			outcome.Error = err.Error()
			return Outcome{Step: outcome, Result: res, Err: err}
		}
		outcome.Status = domain.StepSucceeded
		outcome.Output = res.Output.Clone()
		outcome.TokensUsed = res.TokensUsed
		outcome.CostMicros = res.CostMicros
		return Outcome{Step: outcome, Result: res}
	}

	cfg, err := domain.DecodeStepConfig(step)
	if err != nil {
		return finish(downstream.Result{}, 0, fmt.Errorf("%s: %w", step.Name(), domain.NewValidationError("config", "%s", err.Error())))
	}

	call := downstream.Call{
		ExecutionID:    req.ExecutionID,
		StepIndex:      req.StepIndex,
		Step:           step,
		Config:         cfg,
		Input:          req.Input,
		IdempotencyKey: IdempotencyKey(req.ExecutionID, req.StepIndex),
	}
	timeout := i.cfg.Timeout(step.Service)
	policy := i.cfg.Policy

	for attempt := 1; ; attempt++ {
		attemptStart := i.now()
		res, err := i.attempt(ctx, call, timeout)
		latency := i.now().Sub(attemptStart)
		if err == nil {
			i.observe(req, attempt, domain.StepSucceeded, latency, 0, nil)
			return finish(res, attempt, nil)
		}

		retry := attempt < policy.MaxAttempts && downstream.IsTransient(err) && ctx.Err() == nil
		if !retry {
			i.observe(req, attempt, domain.StepFailed, latency, 0, err)
			i.logger.Error("step failed",
				"execution_id", req.ExecutionID,
				"step_index", req.StepIndex,
				"service", string(step.Service),
				"action", step.Action,
				"attempt", attempt,
				"error", err,
			)
			return finish(res, attempt, err)
		}

		backoff := policy.Backoff(attempt)
		i.observe(req, attempt, domain.StepRetried, latency, backoff, err)
		i.logger.Warn("step attempt failed, retrying",
			"execution_id", req.ExecutionID,
			"step_index", req.StepIndex,
			"service", string(step.Service),
			"action", step.Action,
			"attempt", attempt,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		if serr := i.sleep(ctx, backoff); serr != nil {
			return finish(res, attempt, fmt.Errorf("%w (retry aborted: %w)", err, serr))
		}
	}
}

func (i *Invoker) attempt(ctx context.Context, call downstream.Call, timeout time.Duration) (downstream.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return i.client.Call(attemptCtx, call)
}

func (i *Invoker) observe(req Request, number int, status domain.StepStatus, latency, backoff time.Duration, err error) {
	if i.onAttempt == nil {
		return
	}
	i.onAttempt(Attempt{
		ExecutionID: req.ExecutionID,
		StepIndex:   req.StepIndex,
		Service:     req.Step.Service,
		Action:      req.Step.Action,
		Number:      number,
		Status:      status,
		Latency:     latency,
		Backoff:     backoff,
		Err:         err,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
