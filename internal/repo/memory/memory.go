// Package memory implements the repositories in process. It backs tests and
// the MEDIAFLOW_STORE=memory mode; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/repo"
)

type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	definitions map[string]domain.PipelineDefinition
	executions  map[string]domain.PipelineExecution
	triggerKeys map[string]string
	outcomes    map[string]map[int]domain.StepOutcome
	usage       map[usageKey]domain.UsageMetric
	ledger      map[ledgerKey]struct{}
}

type usageKey struct {
	userID  string
	service domain.ServiceKind
	date    string
}

type ledgerKey struct {
	executionID string
	stepIndex   int
}

func New() *Store {
	return &Store{
		now:         time.Now,
		definitions: map[string]domain.PipelineDefinition{},
		executions:  map[string]domain.PipelineExecution{},
		triggerKeys: map[string]string{},
		outcomes:    map[string]map[int]domain.StepOutcome{},
		usage:       map[usageKey]domain.UsageMetric{},
		ledger:      map[ledgerKey]struct{}{},
	}
}

func (s *Store) Definitions() repo.DefinitionRepository { return (*definitionStore)(s) }
func (s *Store) Executions() repo.ExecutionRepository { return (*executionStore)(s) }
func (s *Store) Outcomes() repo.StepOutcomeRepository { return (*outcomeStore)(s) }
func (s *Store) Usage() repo.UsageRepository { return (*usageStore)(s) }

type definitionStore Store

func (s *definitionStore) Create(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, ok := s.definitions[def.ID]; ok {
		return domain.PipelineDefinition{}, repo.ErrDuplicate
	}
	now := s.now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = def.CreatedAt
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Status == "" {
		def.Status = domain.DefinitionActive
	}
	def.Steps = domain.CloneSteps(def.Steps)
	s.definitions[def.ID] = def
	return cloneDefinition(def), nil
}

func (s *definitionStore) Get(ctx context.Context, id string) (domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return domain.PipelineDefinition{}, repo.ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (s *definitionStore) List(ctx context.Context, filter repo.DefinitionFilter) ([]domain.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PipelineDefinition, 0)
	for _, def := range s.definitions {
		if filter.OwnerID != "" && def.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && def.Status != filter.Status {
			continue
		}
		out = append(out, cloneDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (s *definitionStore) Update(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.definitions[def.ID]
	if !ok {
		return domain.PipelineDefinition{}, repo.ErrNotFound
	}
	if current.Version != def.Version {
		return domain.PipelineDefinition{}, repo.ErrConflict
	}
	current.Name = def.Name
	current.Description = def.Description
	current.Steps = domain.CloneSteps(def.Steps)
	current.Status = def.Status
	current.Version++
	current.UpdatedAt = s.now().UTC()
	s.definitions[def.ID] = current
	return cloneDefinition(current), nil
}

type executionStore Store

func (s *executionStore) Create(ctx context.Context, exec domain.PipelineExecution) (domain.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if _, ok := s.executions[exec.ID]; ok {
		return domain.PipelineExecution{}, repo.ErrDuplicate
	}
	if exec.TriggerKey != "" {
		key := triggerKey(exec.OwnerID, exec.TriggerKey)
		if _, ok := s.triggerKeys[key]; ok {
			return domain.PipelineExecution{}, repo.ErrDuplicate
		}
		s.triggerKeys[key] = exec.ID
	}
	now := s.now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = exec.CreatedAt
	exec.Version = 1
	stored := cloneExecution(exec)
	s.executions[exec.ID] = stored
	return cloneExecution(stored), nil
}

func (s *executionStore) Get(ctx context.Context, id string) (domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return domain.PipelineExecution{}, repo.ErrNotFound
	}
	return cloneExecution(exec), nil
}

func (s *executionStore) GetByTriggerKey(ctx context.Context, ownerID, key string) (domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.triggerKeys[triggerKey(ownerID, key)]
	if !ok {
		return domain.PipelineExecution{}, repo.ErrNotFound
	}
	return cloneExecution(s.executions[id]), nil
}

func (s *executionStore) List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PipelineExecution, 0)
	for _, exec := range s.executions {
		if filter.OwnerID != "" && exec.OwnerID != filter.OwnerID {
			continue
		}
		if filter.PipelineID != "" && exec.PipelineID != filter.PipelineID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, exec.Status) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (s *executionStore) Update(ctx context.Context, exec domain.PipelineExecution) (domain.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[exec.ID]
	if !ok {
		return domain.PipelineExecution{}, repo.ErrNotFound
	}
	if current.Version != exec.Version {
		return domain.PipelineExecution{}, repo.ErrConflict
	}
	next := cloneExecution(exec)
	next.CancelRequested = current.CancelRequested
	next.TriggerKey = current.TriggerKey
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.now().UTC()
	}
	s.executions[exec.ID] = next
	return cloneExecution(next), nil
}

func (s *executionStore) RequestCancel(ctx context.Context, id string) (domain.PipelineExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[id]
	if !ok {
		return domain.PipelineExecution{}, repo.ErrNotFound
	}
	if !current.Status.IsTerminal() {
		current.CancelRequested = true
		s.executions[id] = current
	}
	return cloneExecution(current), nil
}

type outcomeStore Store

func (s *outcomeStore) Insert(ctx context.Context, outcome domain.StepOutcome) (domain.StepOutcome, bool, error) {
	if strings.TrimSpace(outcome.ExecutionID) == "" {
		return domain.StepOutcome{}, false, fmt.Errorf("execution id is required")
	}
	if outcome.StepIndex < 0 {
		return domain.StepOutcome{}, false, fmt.Errorf("step index must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.outcomes[outcome.ExecutionID]
	if !ok {
		byIndex = map[int]domain.StepOutcome{}
		s.outcomes[outcome.ExecutionID] = byIndex
	}
	if existing, ok := byIndex[outcome.StepIndex]; ok {
		return cloneOutcome(existing), false, nil
	}
	byIndex[outcome.StepIndex] = cloneOutcome(outcome)
	return cloneOutcome(outcome), true, nil
}

func (s *outcomeStore) ListByExecution(ctx context.Context, executionID string) ([]domain.StepOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIndex := s.outcomes[executionID]
	out := make([]domain.StepOutcome, 0, len(byIndex))
	for _, outcome := range byIndex {
		out = append(out, cloneOutcome(outcome))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

type usageStore Store

func (s *usageStore) Apply(ctx context.Context, inc repo.UsageIncrement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk := ledgerKey{executionID: inc.ExecutionID, stepIndex: inc.StepIndex}
	if _, ok := s.ledger[lk]; ok {
		return false, nil
	}
	s.ledger[lk] = struct{}{}

	date := domain.UsageDate(inc.Date)
	key := usageKey{userID: inc.UserID, service: inc.Service, date: date.Format(time.DateOnly)}
	metric := s.usage[key]
	metric.UserID = inc.UserID
	metric.Service = inc.Service
	metric.Date = date
	metric.RequestCount += inc.Requests
	metric.TokenCount += inc.Tokens
	metric.CostMicros += inc.CostMicros
	metric.UpdatedAt = s.now().UTC()
	s.usage[key] = metric
	return true, nil
}

func (s *usageStore) Get(ctx context.Context, userID string, service domain.ServiceKind, date time.Time) (domain.UsageMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metric, ok := s.usage[usageKey{userID: userID, service: service, date: domain.UsageDate(date).Format(time.DateOnly)}]
	if !ok {
		return domain.UsageMetric{}, repo.ErrNotFound
	}
	return metric, nil
}

func triggerKey(ownerID, key string) string {
	return ownerID + "\x00" + key
}

func containsStatus(statuses []domain.ExecutionStatus, status domain.ExecutionStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

func cloneDefinition(def domain.PipelineDefinition) domain.PipelineDefinition {
	def.Steps = domain.CloneSteps(def.Steps)
	return def
}

func cloneExecution(exec domain.PipelineExecution) domain.PipelineExecution {
	exec.Steps = domain.CloneSteps(exec.Steps)
	exec.InputData = cloneData(exec.InputData)
	exec.OutputData = cloneData(exec.OutputData)
	exec.ContextData = cloneData(exec.ContextData)
	if exec.StartedAt != nil {
		t := *exec.StartedAt
		exec.StartedAt = &t
	}
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		exec.CompletedAt = &t
	}
	return exec
}

func cloneOutcome(outcome domain.StepOutcome) domain.StepOutcome {
	outcome.Output = cloneData(outcome.Output)
	if outcome.CostMicros != nil {
		c := *outcome.CostMicros
		outcome.CostMicros = &c
	}
	return outcome
}

func cloneData(d domain.Data) domain.Data {
	if d == nil {
		return nil
	}
	return d.Clone()
}
