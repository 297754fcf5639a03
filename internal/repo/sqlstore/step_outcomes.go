package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
)

type StepOutcomeStore struct {
	db DB
}

const (
	stepOutcomeColumns = `execution_id, step_index, service, action, status, attempts, latency_ms, resource_id, error_detail, output, tokens_used, cost_micros, started_at, finished_at`

	insertStepOutcomeQuery = `INSERT INTO step_outcomes (` + stepOutcomeColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (execution_id, step_index) DO NOTHING`

	selectStepOutcomeQuery = `SELECT ` + stepOutcomeColumns + `
	 FROM step_outcomes
	 WHERE execution_id = $1 AND step_index = $2`

	listStepOutcomesQuery = `SELECT ` + stepOutcomeColumns + `
	 FROM step_outcomes
	 WHERE execution_id = $1
	 ORDER BY step_index ASC`
)

func NewStepOutcomeStore(db DB) *StepOutcomeStore {
	if db == nil {
		return nil
	}
	return &StepOutcomeStore{db: db}
}

func (s *StepOutcomeStore) Insert(ctx context.Context, outcome domain.StepOutcome) (domain.StepOutcome, bool, error) {
	if s == nil || s.db == nil {
		return domain.StepOutcome{}, false, fmt.Errorf("step outcome store not initialized")
	}
	executionID := strings.TrimSpace(outcome.ExecutionID)
	if executionID == "" {
		return domain.StepOutcome{}, false, fmt.Errorf("execution id is required")
	}
	if outcome.StepIndex < 0 {
		return domain.StepOutcome{}, false, fmt.Errorf("step index must be >= 0")
	}
	if outcome.Status == "" {
		return domain.StepOutcome{}, false, fmt.Errorf("status is required")
	}
	output, err := encodeData(outcome.Output)
	if err != nil {
		return domain.StepOutcome{}, false, fmt.Errorf("encode output: %w", err)
	}
	var cost sql.NullInt64
	if outcome.CostMicros != nil {
		cost = sql.NullInt64{Int64: *outcome.CostMicros, Valid: true}
	}
	startedAt := normalizeTime(outcome.StartedAt)
	finishedAt := normalizeTime(outcome.FinishedAt)

	res, err := s.db.ExecContext(ctx, insertStepOutcomeQuery,
		executionID,
		outcome.StepIndex,
		string(outcome.Service),
		outcome.Action,
		string(outcome.Status),
		outcome.Attempts,
		outcome.Latency.Milliseconds(),
		nullIfEmpty(outcome.ResourceID),
		nullIfEmpty(outcome.Error),
		output,
		outcome.TokensUsed,
		cost,
		startedAt,
		finishedAt,
	)
	if err != nil {
		return domain.StepOutcome{}, false, fmt.Errorf("insert step outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.StepOutcome{}, false, fmt.Errorf("insert step outcome: %w", err)
	}
	stored, err := scanStepOutcome(s.db.QueryRowContext(ctx, selectStepOutcomeQuery, executionID, outcome.StepIndex))
	if err != nil {
		return domain.StepOutcome{}, false, handleNotFound(err)
	}
	return stored, n > 0, nil
}

func (s *StepOutcomeStore) ListByExecution(ctx context.Context, executionID string) ([]domain.StepOutcome, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step outcome store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listStepOutcomesQuery, strings.TrimSpace(executionID))
	if err != nil {
		return nil, fmt.Errorf("list step outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepOutcome, 0)
	for rows.Next() {
		outcome, err := scanStepOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step outcomes: %w", err)
	}
	return out, nil
}

func scanStepOutcome(row scanner) (domain.StepOutcome, error) {
	var (
		outcome    domain.StepOutcome
		service    string
		status     string
		latencyMs  int64
		resourceID sql.NullString
		errDetail  sql.NullString
		output     []byte
		cost       sql.NullInt64
	)
	if err := row.Scan(
		&outcome.ExecutionID,
		&outcome.StepIndex,
		&service,
		&outcome.Action,
		&status,
		&outcome.Attempts,
		&latencyMs,
		&resourceID,
		&errDetail,
		&output,
		&outcome.TokensUsed,
		&cost,
		&outcome.StartedAt,
		&outcome.FinishedAt,
	); err != nil {
		return domain.StepOutcome{}, err
	}
	decoded, err := decodeData(output)
	if err != nil {
		return domain.StepOutcome{}, fmt.Errorf("decode output: %w", err)
	}
	outcome.Service = domain.ServiceKind(service)
	outcome.Status = domain.StepStatus(status)
	outcome.Latency = time.Duration(latencyMs) * time.Millisecond
	outcome.ResourceID = resourceID.String
	outcome.Error = errDetail.String
	outcome.Output = decoded
	if cost.Valid {
		c := cost.Int64
		outcome.CostMicros = &c
	}
	outcome.StartedAt = outcome.StartedAt.UTC()
	outcome.FinishedAt = outcome.FinishedAt.UTC()
	return outcome, nil
}
