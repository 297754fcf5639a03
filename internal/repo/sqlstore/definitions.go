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

type DefinitionStore struct {
	db DB
}

const (
	definitionColumns = `id, owner_id, name, description, steps, status, version, created_at, updated_at`

	insertDefinitionQuery = `INSERT INTO pipeline_definitions (` + definitionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT DO NOTHING`

	selectDefinitionQuery = `SELECT ` + definitionColumns + ` FROM pipeline_definitions WHERE id = $1`

	updateDefinitionQuery = `UPDATE pipeline_definitions
	SET name = $1, description = $2, steps = $3, status = $4, version = version + 1, updated_at = $5
	WHERE id = $6 AND version = $7`
)

func NewDefinitionStore(db DB) *DefinitionStore {
	if db == nil {
		return nil
	}
	return &DefinitionStore{db: db}
}

func (s *DefinitionStore) Create(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	if s == nil || s.db == nil {
		return domain.PipelineDefinition{}, fmt.Errorf("definition store not initialized")
	}
	id := strings.TrimSpace(def.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(def.OwnerID) == "" {
		return domain.PipelineDefinition{}, fmt.Errorf("owner id is required")
	}
	status := def.Status
	if status == "" {
		status = domain.DefinitionActive
	}
	version := def.Version
	if version < 1 {
		version = 1
	}
	steps, err := encodeSteps(def.Steps)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("encode steps: %w", err)
	}
	createdAt := normalizeTime(def.CreatedAt)

	res, err := s.db.ExecContext(ctx, insertDefinitionQuery,
		id,
		def.OwnerID,
		def.Name,
		nullIfEmpty(def.Description),
		steps,
		string(status),
		version,
		createdAt,
		createdAt,
	)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("insert definition: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("insert definition: %w", err)
	} else if n == 0 {
		return domain.PipelineDefinition{}, repo.ErrDuplicate
	}
	return s.Get(ctx, id)
}

func (s *DefinitionStore) Get(ctx context.Context, id string) (domain.PipelineDefinition, error) {
	if s == nil || s.db == nil {
		return domain.PipelineDefinition{}, fmt.Errorf("definition store not initialized")
	}
	def, err := scanDefinition(s.db.QueryRowContext(ctx, selectDefinitionQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.PipelineDefinition{}, handleNotFound(err)
	}
	return def, nil
}

func (s *DefinitionStore) List(ctx context.Context, filter repo.DefinitionFilter) ([]domain.PipelineDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("definition store not initialized")
	}
	query := `SELECT ` + definitionColumns + ` FROM pipeline_definitions`
	conds := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		args = append(args, owner)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
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
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PipelineDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return out, nil
}

func (s *DefinitionStore) Update(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	if s == nil || s.db == nil {
		return domain.PipelineDefinition{}, fmt.Errorf("definition store not initialized")
	}
	steps, err := encodeSteps(def.Steps)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("encode steps: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updateDefinitionQuery,
		def.Name,
		nullIfEmpty(def.Description),
		steps,
		string(def.Status),
		time.Now().UTC(),
		def.ID,
		def.Version,
	)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("update definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("update definition: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, def.ID); err != nil {
			return domain.PipelineDefinition{}, err
		}
		return domain.PipelineDefinition{}, repo.ErrConflict
	}
	return s.Get(ctx, def.ID)
}

func scanDefinition(row scanner) (domain.PipelineDefinition, error) {
	var (
		def         domain.PipelineDefinition
		description sql.NullString
		steps       []byte
		status      string
	)
	if err := row.Scan(
		&def.ID,
		&def.OwnerID,
		&def.Name,
		&description,
		&steps,
		&status,
		&def.Version,
		&def.CreatedAt,
		&def.UpdatedAt,
	); err != nil {
		return domain.PipelineDefinition{}, err
	}
	decoded, err := decodeSteps(steps)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("decode steps: %w", err)
	}
	def.Description = description.String
	def.Steps = decoded
	def.Status = domain.DefinitionStatus(status)
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return def, nil
}
