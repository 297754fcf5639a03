package executions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/execution/invoker"
	"github.com/animus-labs/mediaflow/internal/execution/pipectx"
	"github.com/animus-labs/mediaflow/internal/platform/errtrack"
	"github.com/animus-labs/mediaflow/internal/platform/events"
	"github.com/animus-labs/mediaflow/internal/repo"
	"github.com/animus-labs/mediaflow/internal/service/usage"
)

// ErrShuttingDown is returned by Trigger once Shutdown has started.
var ErrShuttingDown = errors.New("coordinator is shutting down")

const (
	messageRestarted = "interrupted: engine restarted"
	messageShutdown  = "interrupted: engine shutting down"
	messageTimeout   = "execution timeout exceeded"
	messageInternal  = "internal error"

	maxConflictRetries = 5
	defaultListLimit   = 200
)

// StepInvoker runs one step and always reports an outcome.
type StepInvoker interface {
	Invoke(ctx context.Context, req invoker.Request) invoker.Outcome
}

type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) (bool, error)
}

type Stores struct {
	Definitions repo.DefinitionRepository
	Executions  repo.ExecutionRepository
	Outcomes    repo.StepOutcomeRepository
}

type Options struct {
	Logger *slog.Logger
	Events events.Publisher
	Now    func() time.Time
}

type Coordinator struct {
	definitions repo.DefinitionRepository
	executions  repo.ExecutionRepository
	outcomes    repo.StepOutcomeRepository
	invoker     StepInvoker
	usage       UsageRecorder
	events      events.Publisher
	logger      *slog.Logger
	now         func() time.Time
	cfg         Config

	pool    *ants.Pool
	baseCtx context.Context
	stop    context.CancelFunc
	// mu orders wg.Add in Trigger against closing in Shutdown.
	mu      sync.Mutex
	wg      sync.WaitGroup
	closing bool
}

func New(stores Stores, inv StepInvoker, recorder UsageRecorder, cfg Config, opts Options) (*Coordinator, error) {
	if stores.Definitions == nil || stores.Executions == nil || stores.Outcomes == nil {
		return nil, errors.New("definition, execution and outcome stores are required")
	}
	if inv == nil {
		return nil, errors.New("step invoker is required")
	}
	if recorder == nil {
		return nil, errors.New("usage recorder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		definitions: stores.Definitions,
		executions:  stores.Executions,
		outcomes:    stores.Outcomes,
		invoker:     inv,
		usage:       recorder,
		events:      opts.Events,
		logger:      opts.Logger,
		now:         opts.Now,
		cfg:         cfg,
	}
	if c.events == nil {
		c.events = events.Discard{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.now == nil {
		c.now = time.Now
	}

	pool, err := ants.NewPool(cfg.MaxConcurrent,
		ants.WithMaxBlockingTasks(cfg.MaxQueued),
		ants.WithPanicHandler(func(p any) {
			err := errtrack.CapturePanic(p, map[string]string{"component": "coordinator"})
			c.logger.Error("panic in execution worker", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	c.pool = pool
	c.baseCtx, c.stop = context.WithCancel(context.Background())
	return c, nil
}

type TriggerInput struct {
	OwnerID    string
	PipelineID string
	InputData  domain.Data
	// IdempotencyKey makes the trigger idempotent per owner when set.
	IdempotencyKey string
}

// Trigger snapshots the definition's steps into a new pending execution and
// queues it for dispatch. Repeating a trigger with the same idempotency key
// returns the original execution.
func (c *Coordinator) Trigger(ctx context.Context, in TriggerInput) (domain.PipelineExecution, error) {
	if !c.acquire() {
		return domain.PipelineExecution{}, ErrShuttingDown
	}
	dispatched := false
	defer func() {
		if !dispatched {
			c.wg.Done()
		}
	}()

	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return domain.PipelineExecution{}, domain.NewValidationError("ownerId", "owner is required")
	}
	pipelineID := strings.TrimSpace(in.PipelineID)
	if pipelineID == "" {
		return domain.PipelineExecution{}, domain.NewValidationError("pipelineId", "pipeline id is required")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		existing, err := c.executions.GetByTriggerKey(ctx, ownerID, key)
		switch {
		case err == nil:
			return c.replayed(existing, pipelineID)
		case !errors.Is(err, repo.ErrNotFound):
			return domain.PipelineExecution{}, fmt.Errorf("lookup trigger key: %w", err)
		}
	}

	def, err := c.definitions.Get(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PipelineExecution{}, &domain.NotFoundError{Resource: "pipeline", ID: pipelineID}
		}
		return domain.PipelineExecution{}, fmt.Errorf("get definition: %w", err)
	}
	if def.OwnerID != ownerID {
		return domain.PipelineExecution{}, &domain.NotFoundError{Resource: "pipeline", ID: pipelineID}
	}
	if !def.Runnable() {
		return domain.PipelineExecution{}, domain.NewValidationError("status", "pipeline is %s", def.Status)
	}
	if err := validateInput(def.Steps, in.InputData); err != nil {
		return domain.PipelineExecution{}, err
	}

	now := c.now().UTC()
	exec := domain.PipelineExecution{
		ID:                uuid.NewString(),
		PipelineID:        def.ID,
		OwnerID:           ownerID,
		DefinitionVersion: def.Version,
		Steps:             domain.CloneSteps(def.Steps),
		Status:            domain.ExecutionPending,
		InputData:         in.InputData.Clone(),
		ContextData:       in.InputData.Clone(),
		TriggerKey:        key,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := c.executions.Create(ctx, exec)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) && key != "" {
			existing, getErr := c.executions.GetByTriggerKey(ctx, ownerID, key)
			if getErr == nil {
				return c.replayed(existing, pipelineID)
			}
		}
		return domain.PipelineExecution{}, fmt.Errorf("create execution: %w", err)
	}
	c.logger.Info("execution created",
		"execution_id", created.ID,
		"pipeline_id", created.PipelineID,
		"owner_id", created.OwnerID,
		"definition_version", created.DefinitionVersion,
		"steps", len(created.Steps),
	)
	c.publishStatus(created)

	dispatched = true
	go c.dispatch(created)
	return created, nil
}

// acquire registers an in-flight trigger unless Shutdown has begun.
func (c *Coordinator) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) replayed(existing domain.PipelineExecution, pipelineID string) (domain.PipelineExecution, error) {
	if existing.PipelineID != pipelineID {
		return domain.PipelineExecution{}, domain.NewValidationError("idempotencyKey", "key was already used for pipeline %s", existing.PipelineID)
	}
	return existing, nil
}

// validateInput rejects a trigger whose input lacks the field the first step
// reads. Later steps read fields that earlier steps produce.
func validateInput(steps []domain.Step, input domain.Data) error {
	if len(steps) == 0 {
		return domain.NewValidationError("steps", "pipeline has no steps")
	}
	cfg, err := domain.DecodeStepConfig(steps[0])
	if err != nil {
		return domain.NewValidationError("steps[0].config", "%s", err.Error())
	}
	if llm, ok := cfg.(domain.LLMConfig); ok && strings.TrimSpace(llm.Prompt) != "" {
		if _, missing := pipectx.New(input).Render(llm.Prompt); len(missing) > 0 {
			return domain.NewValidationError("inputData."+missing[0], "%s is required by the prompt of step 0 (%s)", missing[0], steps[0].Name())
		}
		return nil
	}
	if _, ok := pipectx.New(input).String(cfg.Source()); !ok {
		return domain.NewValidationError("inputData."+cfg.Source(), "%s is required by step 0 (%s)", cfg.Source(), steps[0].Name())
	}
	return nil
}

// dispatch hands the execution to the worker pool, waiting for a free
// worker while the queue has room.
func (c *Coordinator) dispatch(exec domain.PipelineExecution) {
	err := c.pool.Submit(func() {
		defer c.wg.Done()
		c.run(exec.ID)
	})
	if err == nil {
		return
	}
	defer c.wg.Done()

	message := "dispatch rejected: " + err.Error()
	if errors.Is(err, ants.ErrPoolClosed) {
		message = messageShutdown
	}
	c.logger.Error("execution dispatch failed", "execution_id", exec.ID, "error", err)
	errtrack.CaptureError(err, map[string]string{"execution_id": exec.ID})
	ctx := context.WithoutCancel(c.baseCtx)
	if _, ferr := c.finish(ctx, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
		return e.Fail(message, c.now())
	}); ferr != nil && !isTransition(ferr) {
		c.logger.Error("mark undispatched execution failed", "execution_id", exec.ID, "error", ferr)
	}
}

// ExecutionDetail is an execution together with its recorded step outcomes.
type ExecutionDetail struct {
	Execution domain.PipelineExecution
	Outcomes  []domain.StepOutcome
}

// Get returns the execution and its outcomes in step order. Executions of
// other owners are reported as not found.
func (c *Coordinator) Get(ctx context.Context, ownerID, id string) (ExecutionDetail, error) {
	exec, err := c.owned(ctx, ownerID, id)
	if err != nil {
		return ExecutionDetail{}, err
	}
	outcomes, err := c.outcomes.ListByExecution(ctx, exec.ID)
	if err != nil {
		return ExecutionDetail{}, fmt.Errorf("list step outcomes: %w", err)
	}
	return ExecutionDetail{Execution: exec, Outcomes: outcomes}, nil
}

// List returns the executions of one of the owner's pipelines, newest first.
func (c *Coordinator) List(ctx context.Context, ownerID, pipelineID string) ([]domain.PipelineExecution, error) {
	def, err := c.definitions.Get(ctx, strings.TrimSpace(pipelineID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &domain.NotFoundError{Resource: "pipeline", ID: pipelineID}
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	if def.OwnerID != strings.TrimSpace(ownerID) {
		return nil, &domain.NotFoundError{Resource: "pipeline", ID: pipelineID}
	}
	execs, err := c.executions.List(ctx, repo.ExecutionFilter{OwnerID: def.OwnerID, PipelineID: def.ID, Limit: defaultListLimit})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// Cancel stops an execution. A pending execution becomes cancelled at once;
// a running one is flagged and stops before its next step. Cancelling a
// terminal execution returns it unchanged.
func (c *Coordinator) Cancel(ctx context.Context, ownerID, id string) (domain.PipelineExecution, error) {
	exec, err := c.owned(ctx, ownerID, id)
	if err != nil {
		return domain.PipelineExecution{}, err
	}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		switch exec.Status {
		case domain.ExecutionPending:
			next, err := exec.Transition(domain.ExecutionCancelled, c.now())
			if err != nil {
				return exec, err
			}
			saved, err := c.executions.Update(ctx, next)
			if err == nil {
				c.logger.Info("execution cancelled", "execution_id", saved.ID, "from", string(domain.ExecutionPending))
				c.publishStatus(saved)
				return saved, nil
			}
			if !errors.Is(err, repo.ErrConflict) {
				return exec, fmt.Errorf("cancel execution: %w", err)
			}
			if exec, err = c.executions.Get(ctx, exec.ID); err != nil {
				return domain.PipelineExecution{}, fmt.Errorf("reload execution: %w", err)
			}
		case domain.ExecutionRunning:
			flagged, err := c.executions.RequestCancel(ctx, exec.ID)
			if err != nil {
				return exec, fmt.Errorf("request cancel: %w", err)
			}
			c.logger.Info("execution cancel requested", "execution_id", flagged.ID, "step_cursor", flagged.StepCursor)
			return flagged, nil
		default:
			return exec, nil
		}
	}
	return exec, fmt.Errorf("cancel execution %s: %w", exec.ID, repo.ErrConflict)
}

// RecoverOrphans fails executions left pending or running by a previous
// process. It must run before the coordinator accepts triggers.
func (c *Coordinator) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := c.executions.List(ctx, repo.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("list orphaned executions: %w", err)
	}
	recovered := 0
	for _, exec := range orphans {
		_, err := c.finish(ctx, exec, func(e domain.PipelineExecution) (domain.PipelineExecution, error) {
			return e.Fail(messageRestarted, c.now())
		})
		if err != nil {
			if isTransition(err) {
				continue
			}
			return recovered, fmt.Errorf("recover execution %s: %w", exec.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Warn("recovered orphaned executions", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops accepting triggers and waits for running executions. When
// ctx ends first, the remaining executions are interrupted and marked
// failed before Shutdown returns.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.stop()
		<-done
	}
	c.stop()
	c.pool.Release()
	return err
}

func (c *Coordinator) owned(ctx context.Context, ownerID, id string) (domain.PipelineExecution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineExecution{}, domain.NewValidationError("id", "execution id is required")
	}
	exec, err := c.executions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PipelineExecution{}, &domain.NotFoundError{Resource: "execution", ID: id}
		}
		return domain.PipelineExecution{}, fmt.Errorf("get execution: %w", err)
	}
	if exec.OwnerID != strings.TrimSpace(ownerID) {
		return domain.PipelineExecution{}, &domain.NotFoundError{Resource: "execution", ID: id}
	}
	return exec, nil
}

// finish applies a terminal transition, reloading on version conflicts.
// It returns a TransitionError when the row is already terminal.
func (c *Coordinator) finish(ctx context.Context, exec domain.PipelineExecution, transition func(domain.PipelineExecution) (domain.PipelineExecution, error)) (domain.PipelineExecution, error) {
	saved, err := c.apply(ctx, exec, transition)
	if err != nil {
		return exec, err
	}
	c.logger.Info("execution finished",
		"execution_id", saved.ID,
		"status", string(saved.Status),
		"step_cursor", saved.StepCursor,
		"duration_ms", saved.ExecutionTime().Milliseconds(),
		"error", saved.ErrorMessage,
	)
	c.publishStatus(saved)
	return saved, nil
}

// apply writes mutate(exec); on a version conflict it reloads the row and
// applies mutate to the fresh copy.
func (c *Coordinator) apply(ctx context.Context, exec domain.PipelineExecution, mutate func(domain.PipelineExecution) (domain.PipelineExecution, error)) (domain.PipelineExecution, error) {
	for attempt := 0; ; attempt++ {
		next, err := mutate(exec)
		if err != nil {
			return exec, err
		}
		saved, err := c.executions.Update(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, repo.ErrConflict) || attempt >= maxConflictRetries {
			return exec, fmt.Errorf("update execution: %w", err)
		}
		fresh, err := c.executions.Get(ctx, exec.ID)
		if err != nil {
			return exec, fmt.Errorf("reload execution: %w", err)
		}
		exec = fresh
	}
}

func isTransition(err error) bool {
	return errors.Is(err, domain.ErrInvalidStateTransition)
}
