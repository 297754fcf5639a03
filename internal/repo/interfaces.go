package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	// ErrConflict reports an optimistic version mismatch on update.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicate reports a unique key collision on insert.
	ErrDuplicate = errors.New("duplicate")
)

type DefinitionFilter struct {
	OwnerID string
	Status  domain.DefinitionStatus
	Limit   int
}

type ExecutionFilter struct {
	OwnerID    string
	PipelineID string
	Statuses   []domain.ExecutionStatus
	Limit      int
}

// UsageIncrement is one succeeded step's contribution to the counters.
// ExecutionID and StepIndex key the dedup ledger.
type UsageIncrement struct {
	ExecutionID string
	StepIndex   int
	UserID      string
	Service     domain.ServiceKind
	Date        time.Time
	Requests    int64
	Tokens      int64
	CostMicros  int64
}

// DefinitionRepository manages pipeline definitions.
type DefinitionRepository interface {
	Create(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error)
	Get(ctx context.Context, id string) (domain.PipelineDefinition, error)
	List(ctx context.Context, filter DefinitionFilter) ([]domain.PipelineDefinition, error)
	// Update replaces name, description, steps and status when the stored
	// version equals def.Version, and stores def.Version+1.
	Update(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error)
}

// ExecutionRepository is the durable execution state store. Update is
// optimistic: it succeeds only when the stored version matches exec.Version
// and returns the row with the incremented version.
type ExecutionRepository interface {
	Create(ctx context.Context, exec domain.PipelineExecution) (domain.PipelineExecution, error)
	Get(ctx context.Context, id string) (domain.PipelineExecution, error)
	GetByTriggerKey(ctx context.Context, ownerID, key string) (domain.PipelineExecution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]domain.PipelineExecution, error)
	Update(ctx context.Context, exec domain.PipelineExecution) (domain.PipelineExecution, error)
	// RequestCancel flags a non-terminal execution for cooperative
	// cancellation without touching its version.
	RequestCancel(ctx context.Context, id string) (domain.PipelineExecution, error)
}

// StepOutcomeRepository stores one outcome per (execution, step index).
type StepOutcomeRepository interface {
	// Insert is idempotent on the key; inserted is false when a row existed.
	Insert(ctx context.Context, outcome domain.StepOutcome) (stored domain.StepOutcome, inserted bool, err error)
	ListByExecution(ctx context.Context, executionID string) ([]domain.StepOutcome, error)
}

// UsageRepository accumulates usage counters.
type UsageRepository interface {
	// Apply adds inc to its (user, service, date) counters unless the
	// ledger already holds (execution, step). applied reports whether the
	// counters changed.
	Apply(ctx context.Context, inc UsageIncrement) (applied bool, err error)
	Get(ctx context.Context, userID string, service domain.ServiceKind, date time.Time) (domain.UsageMetric, error)
}
