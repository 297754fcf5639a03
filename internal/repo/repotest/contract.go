// Package repotest holds behavioural tests every repository implementation
// must pass.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/repo"
)

type Stores struct {
	Definitions repo.DefinitionRepository
	Executions  repo.ExecutionRepository
	Outcomes    repo.StepOutcomeRepository
	Usage       repo.UsageRepository
}

// Run executes the contract against fresh stores from newStores.
func Run(t *testing.T, newStores func(t *testing.T) Stores) {
	t.Run("definitions", func(t *testing.T) { testDefinitions(t, newStores(t)) })
	t.Run("executions", func(t *testing.T) { testExecutions(t, newStores(t)) })
	t.Run("trigger key", func(t *testing.T) { testTriggerKey(t, newStores(t)) })
	t.Run("outcomes", func(t *testing.T) { testOutcomes(t, newStores(t)) })
	t.Run("usage", func(t *testing.T) { testUsage(t, newStores(t)) })
}

func sampleSteps() []domain.Step {
	return []domain.Step{
		{Service: domain.ServiceASR, Action: "transcribe", Config: json.RawMessage(`{"language":"en"}`)},
		{Service: domain.ServiceTTS, Action: "synthesize", Config: json.RawMessage(`{"voice":"alloy"}`)},
	}
}

func testDefinitions(t *testing.T, s Stores) {
	ctx := context.Background()
	created, err := s.Definitions.Create(ctx, domain.PipelineDefinition{
		OwnerID:     "u1",
		Name:        "voice-bot",
		Description: "asr then tts",
		Steps:       sampleSteps(),
		Status:      domain.DefinitionActive,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)

	_, err = s.Definitions.Create(ctx, domain.PipelineDefinition{OwnerID: "u2", Name: "other", Steps: sampleSteps(), Status: domain.DefinitionActive})
	require.NoError(t, err)

	got, err := s.Definitions.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "voice-bot", got.Name)
	require.Len(t, got.Steps, 2)
	assert.JSONEq(t, `{"voice":"alloy"}`, string(got.Steps[1].Config))

	_, err = s.Definitions.Get(ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound), "err=%v", err)

	list, err := s.Definitions.List(ctx, repo.DefinitionFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	got.Status = domain.DefinitionArchived
	updated, err := s.Definitions.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, domain.DefinitionArchived, updated.Status)

	_, err = s.Definitions.Update(ctx, got)
	assert.True(t, errors.Is(err, repo.ErrConflict), "stale update err=%v", err)

	archived, err := s.Definitions.List(ctx, repo.DefinitionFilter{OwnerID: "u1", Status: domain.DefinitionArchived})
	require.NoError(t, err)
	require.Len(t, archived, 1)
}

func newExecution(pipelineID string) domain.PipelineExecution {
	return domain.PipelineExecution{
		PipelineID:        pipelineID,
		OwnerID:           "u1",
		DefinitionVersion: 1,
		Steps:             sampleSteps(),
		Status:            domain.ExecutionPending,
		InputData:         domain.Data{"audioUrl": "https://x/a.wav"},
		ContextData:       domain.Data{"audioUrl": "https://x/a.wav"},
	}
}

func testExecutions(t *testing.T, s Stores) {
	ctx := context.Background()
	created, err := s.Executions.Create(ctx, newExecution("p1"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, domain.ExecutionPending, created.Status)

	running, err := created.Transition(domain.ExecutionRunning, time.Now())
	require.NoError(t, err)
	running, err = s.Executions.Update(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, int64(2), running.Version)
	require.NotNil(t, running.StartedAt)

	_, err = s.Executions.Update(ctx, created)
	assert.True(t, errors.Is(err, repo.ErrConflict), "stale update err=%v", err)

	flagged, err := s.Executions.RequestCancel(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, running.Version, flagged.Version, "cancel flag must not bump version")

	running.StepCursor = 1
	running.ContextData = domain.Data{"audioUrl": "https://x/a.wav", "transcript": "hello"}
	stepped, err := s.Executions.Update(ctx, running)
	require.NoError(t, err)
	assert.True(t, stepped.CancelRequested, "update must preserve the cancel flag")
	assert.Equal(t, 1, stepped.StepCursor)

	done, err := stepped.Complete(stepped.ContextData, time.Now())
	require.NoError(t, err)
	done, err = s.Executions.Update(ctx, done)
	require.NoError(t, err)

	got, err := s.Executions.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, "hello", got.OutputData["transcript"])
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Steps, 2)
	require.NoError(t, got.Validate())

	flagged, err = s.Executions.RequestCancel(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, flagged.Status)

	second, err := s.Executions.Create(ctx, newExecution("p2"))
	require.NoError(t, err)

	list, err := s.Executions.List(ctx, repo.ExecutionFilter{OwnerID: "u1", PipelineID: "p1"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	active, err := s.Executions.List(ctx, repo.ExecutionFilter{Statuses: []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	_, err = s.Executions.Get(ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound), "err=%v", err)
}

func testTriggerKey(t *testing.T, s Stores) {
	ctx := context.Background()
	exec := newExecution("p1")
	exec.TriggerKey = "client-key-1"
	first, err := s.Executions.Create(ctx, exec)
	require.NoError(t, err)

	_, err = s.Executions.Create(ctx, exec)
	assert.True(t, errors.Is(err, repo.ErrDuplicate), "err=%v", err)

	got, err := s.Executions.GetByTriggerKey(ctx, "u1", "client-key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.Executions.GetByTriggerKey(ctx, "u2", "client-key-1")
	assert.True(t, errors.Is(err, repo.ErrNotFound), "err=%v", err)
}

func testOutcomes(t *testing.T, s Stores) {
	ctx := context.Background()
	cost := int64(1200)
	now := time.Now().UTC().Truncate(time.Millisecond)
	second := domain.StepOutcome{
		ExecutionID: "e1", StepIndex: 1, Service: domain.ServiceTTS, Action: "synthesize",
		Status: domain.StepFailed, Attempts: 3, Latency: 1500 * time.Millisecond, Error: "tts returned 503",
		StartedAt: now, FinishedAt: now,
	}
	first := domain.StepOutcome{
		ExecutionID: "e1", StepIndex: 0, Service: domain.ServiceASR, Action: "transcribe",
		Status: domain.StepSucceeded, Attempts: 1, Latency: 250 * time.Millisecond, ResourceID: "tr-1",
		Output: domain.Data{"transcript": "hello"}, TokensUsed: 5, CostMicros: &cost,
		StartedAt: now, FinishedAt: now,
	}
	_, inserted, err := s.Outcomes.Insert(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	_, inserted, err = s.Outcomes.Insert(ctx, second)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := first
	dup.Status = domain.StepFailed
	stored, inserted, err := s.Outcomes.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, domain.StepSucceeded, stored.Status)

	list, err := s.Outcomes.ListByExecution(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].StepIndex)
	assert.Equal(t, "tr-1", list[0].ResourceID)
	assert.Equal(t, "hello", list[0].Output["transcript"])
	require.NotNil(t, list[0].CostMicros)
	assert.Equal(t, cost, *list[0].CostMicros)
	assert.Equal(t, 250*time.Millisecond, list[0].Latency)
	assert.Equal(t, "tts returned 503", list[1].Error)
	assert.Nil(t, list[1].CostMicros)

	empty, err := s.Outcomes.ListByExecution(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testUsage(t *testing.T, s Stores) {
	ctx := context.Background()
	day := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Usage.Apply(ctx, repo.UsageIncrement{
				ExecutionID: "e1", StepIndex: i, UserID: "u1", Service: domain.ServiceLLM,
				Date: day, Requests: 1, Tokens: 10, CostMicros: 20,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	applied, err := s.Usage.Apply(ctx, repo.UsageIncrement{
		ExecutionID: "e1", StepIndex: 3, UserID: "u1", Service: domain.ServiceLLM,
		Date: day, Requests: 1, Tokens: 10, CostMicros: 20,
	})
	require.NoError(t, err)
	assert.False(t, applied, "repeated (execution, step) must not count twice")

	metric, err := s.Usage.Get(ctx, "u1", domain.ServiceLLM, day.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(8), metric.RequestCount)
	assert.Equal(t, int64(80), metric.TokenCount)
	assert.Equal(t, int64(160), metric.CostMicros)

	_, err = s.Usage.Get(ctx, "u1", domain.ServiceLLM, day.Add(time.Hour))
	assert.True(t, errors.Is(err, repo.ErrNotFound), "next day must be a separate bucket, err=%v", err)
}
