package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/repo"
)

type ExecutionStore struct {
	db DB
}

const (
	executionColumns = `id, pipeline_id, owner_id, definition_version, steps, status, input_data, output_data, context_data, error_message, step_cursor, cancel_requested, trigger_key, version, created_at, updated_at, started_at, completed_at`

	insertExecutionQuery = `INSERT INTO pipeline_executions (` + executionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	ON CONFLICT DO NOTHING`

	selectExecutionQuery = `SELECT ` + executionColumns + ` FROM pipeline_executions WHERE id = $1`

	selectExecutionByTriggerKeyQuery = `SELECT ` + executionColumns + ` FROM pipeline_executions WHERE owner_id = $1 AND trigger_key = $2`

	// cancel_requested and trigger_key are never rewritten here; the cancel
	// flag has its own writer.
	updateExecutionQuery = `UPDATE pipeline_executions
	SET status = $1,
		output_data = $2,
		context_data = $3,
		error_message = $4,
		step_cursor = $5,
		updated_at = $6,
		started_at = $7,
		completed_at = $8,
		version = version + 1
	WHERE id = $9 AND version = $10`

	requestCancelQuery = `UPDATE pipeline_executions
	SET cancel_requested = TRUE
	WHERE id = $1 AND status IN ('pending','running')`
)

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Create(ctx context.Context, exec domain.PipelineExecution) (domain.PipelineExecution, error) {
	if s == nil || s.db == nil {
		return domain.PipelineExecution{}, fmt.Errorf("execution store not initialized")
	}
	id := strings.TrimSpace(exec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(exec.PipelineID) == "" {
		return domain.PipelineExecution{}, fmt.Errorf("pipeline id is required")
	}
	if strings.TrimSpace(exec.OwnerID) == "" {
		return domain.PipelineExecution{}, fmt.Errorf("owner id is required")
	}
	status := exec.Status
	if status == "" {
		status = domain.ExecutionPending
	}
	steps, input, output, contextData, err := encodeExecutionDocs(exec)
	if err != nil {
		return domain.PipelineExecution{}, err
	}
	createdAt := normalizeTime(exec.CreatedAt)

	res, err := s.db.ExecContext(ctx, insertExecutionQuery,
		id,
		exec.PipelineID,
		exec.OwnerID,
		exec.DefinitionVersion,
		steps,
		string(status),
		input,
		output,
		contextData,
		nullIfEmpty(exec.ErrorMessage),
		exec.StepCursor,
		exec.CancelRequested,
		nullIfEmpty(exec.TriggerKey),
		int64(1),
		createdAt,
		createdAt,
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
	)
	if err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("insert execution: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("insert execution: %w", err)
	} else if n == 0 {
		return domain.PipelineExecution{}, repo.ErrDuplicate
	}
	return s.Get(ctx, id)
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (domain.PipelineExecution, error) {
	if s == nil || s.db == nil {
		return domain.PipelineExecution{}, fmt.Errorf("execution store not initialized")
	}
	exec, err := scanExecution(s.db.QueryRowContext(ctx, selectExecutionQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.PipelineExecution{}, handleNotFound(err)
	}
	return exec, nil
}

func (s *ExecutionStore) GetByTriggerKey(ctx context.Context, ownerID, key string) (domain.PipelineExecution, error) {
	if s == nil || s.db == nil {
		return domain.PipelineExecution{}, fmt.Errorf("execution store not initialized")
	}
	exec, err := scanExecution(s.db.QueryRowContext(ctx, selectExecutionByTriggerKeyQuery, ownerID, key))
	if err != nil {
		return domain.PipelineExecution{}, handleNotFound(err)
	}
	return exec, nil
}

func (s *ExecutionStore) List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.PipelineExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	conds := make([]string, 0, 3)
	args := make([]any, 0, 4+len(filter.Statuses))
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		args = append(args, owner)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if pipelineID := strings.TrimSpace(filter.PipelineID); pipelineID != "" {
		args = append(args, pipelineID)
		conds = append(conds, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		start := len(args) + 1
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
		conds = append(conds, "status IN ("+placeholders(start, len(filter.Statuses))+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PipelineExecution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *ExecutionStore) Update(ctx context.Context, exec domain.PipelineExecution) (domain.PipelineExecution, error) {
	if s == nil || s.db == nil {
		return domain.PipelineExecution{}, fmt.Errorf("execution store not initialized")
	}
	_, _, output, contextData, err := encodeExecutionDocs(exec)
	if err != nil {
		return domain.PipelineExecution{}, err
	}
	updatedAt := exec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, updateExecutionQuery,
		string(exec.Status),
		output,
		contextData,
		nullIfEmpty(exec.ErrorMessage),
		exec.StepCursor,
		updatedAt.UTC(),
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
		exec.ID,
		exec.Version,
	)
	if err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, exec.ID); err != nil {
			return domain.PipelineExecution{}, err
		}
		return domain.PipelineExecution{}, repo.ErrConflict
	}
	return s.Get(ctx, exec.ID)
}

func (s *ExecutionStore) RequestCancel(ctx context.Context, id string) (domain.PipelineExecution, error) {
	if s == nil || s.db == nil {
		return domain.PipelineExecution{}, fmt.Errorf("execution store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, requestCancelQuery, strings.TrimSpace(id)); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("request cancel: %w", err)
	}
	return s.Get(ctx, id)
}

func encodeExecutionDocs(exec domain.PipelineExecution) (steps string, input, output, contextData sql.NullString, err error) {
	if steps, err = encodeSteps(exec.Steps); err != nil {
		return "", input, output, contextData, fmt.Errorf("encode steps: %w", err)
	}
	if input, err = encodeData(exec.InputData); err != nil {
		return "", input, output, contextData, fmt.Errorf("encode input data: %w", err)
	}
	if output, err = encodeData(exec.OutputData); err != nil {
		return "", input, output, contextData, fmt.Errorf("encode output data: %w", err)
	}
	if contextData, err = encodeData(exec.ContextData); err != nil {
		return "", input, output, contextData, fmt.Errorf("encode context data: %w", err)
	}
	return steps, input, output, contextData, nil
}

func scanExecution(row scanner) (domain.PipelineExecution, error) {
	var (
		exec         domain.PipelineExecution
		steps        []byte
		status       string
		input        []byte
		output       []byte
		contextData  []byte
		errorMessage sql.NullString
		triggerKey   sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&exec.ID,
		&exec.PipelineID,
		&exec.OwnerID,
		&exec.DefinitionVersion,
		&steps,
		&status,
		&input,
		&output,
		&contextData,
		&errorMessage,
		&exec.StepCursor,
		&exec.CancelRequested,
		&triggerKey,
		&exec.Version,
		&exec.CreatedAt,
		&exec.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return domain.PipelineExecution{}, err
	}
	var err error
	if exec.Steps, err = decodeSteps(steps); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("decode steps: %w", err)
	}
	if exec.InputData, err = decodeData(input); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("decode input data: %w", err)
	}
	if exec.OutputData, err = decodeData(output); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("decode output data: %w", err)
	}
	if exec.ContextData, err = decodeData(contextData); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("decode context data: %w", err)
	}
	exec.Status = domain.ExecutionStatus(status)
	exec.ErrorMessage = errorMessage.String
	exec.TriggerKey = triggerKey.String
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	return exec, nil
}
