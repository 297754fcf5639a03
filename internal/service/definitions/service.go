// Package definitions manages pipeline definitions on behalf of their owners.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/repo"
)

const (
	defaultListLimit = 200
	maxUpdateRetries = 3
)

type CreateInput struct {
	OwnerID     string
	Name        string
	Description string
	Steps       []domain.Step
}

type Service struct {
	repo   repo.DefinitionRepository
	logger *slog.Logger
}

func New(definitions repo.DefinitionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: definitions, logger: logger}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.PipelineDefinition, error) {
	def := domain.PipelineDefinition{
		OwnerID:     strings.TrimSpace(in.OwnerID),
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Steps:       in.Steps,
		Status:      domain.DefinitionActive,
	}
	if err := def.Validate(); err != nil {
		return domain.PipelineDefinition{}, err
	}
	steps, err := domain.NormalizeSteps(in.Steps)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	def.Steps = steps

	created, err := s.repo.Create(ctx, def)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("create definition: %w", err)
	}
	s.logger.Info("pipeline definition created",
		"pipeline_id", created.ID,
		"owner_id", created.OwnerID,
		"steps", len(created.Steps),
	)
	return created, nil
}

// Get returns the definition when ownerID owns it. Definitions of other
// owners are reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (domain.PipelineDefinition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineDefinition{}, domain.NewValidationError("id", "pipeline id is required")
	}
	def, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PipelineDefinition{}, &domain.NotFoundError{Resource: "pipeline", ID: id}
		}
		return domain.PipelineDefinition{}, fmt.Errorf("get definition: %w", err)
	}
	if def.OwnerID != strings.TrimSpace(ownerID) {
		return domain.PipelineDefinition{}, &domain.NotFoundError{Resource: "pipeline", ID: id}
	}
	return def, nil
}

// List returns the owner's definitions newest first. An empty status lists
// every status.
func (s *Service) List(ctx context.Context, ownerID string, status domain.DefinitionStatus) ([]domain.PipelineDefinition, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.NewValidationError("ownerId", "owner is required")
	}
	if status != "" && !status.Valid() {
		return nil, domain.NewValidationError("status", "unknown status %q", status)
	}
	defs, err := s.repo.List(ctx, repo.DefinitionFilter{OwnerID: ownerID, Status: status, Limit: defaultListLimit})
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return defs, nil
}

// Archive soft-deletes the definition. Running executions keep their step
// snapshot and are unaffected. Archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, ownerID, id string) (domain.PipelineDefinition, error) {
	return s.mutate(ctx, ownerID, id, func(def *domain.PipelineDefinition) (bool, error) {
		if def.Status == domain.DefinitionArchived {
			return false, nil
		}
		def.Status = domain.DefinitionArchived
		return true, nil
	})
}

// UpdateSteps replaces the step list and bumps the definition version.
// Executions already triggered keep the steps they snapshotted.
func (s *Service) UpdateSteps(ctx context.Context, ownerID, id string, steps []domain.Step) (domain.PipelineDefinition, error) {
	normalized, err := domain.NormalizeSteps(steps)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	return s.mutate(ctx, ownerID, id, func(def *domain.PipelineDefinition) (bool, error) {
		if def.Status == domain.DefinitionArchived {
			return false, domain.NewValidationError("status", "archived definitions cannot be edited")
		}
		def.Steps = domain.CloneSteps(normalized)
		return true, nil
	})
}

// SetStatus toggles a definition between active and inactive.
func (s *Service) SetStatus(ctx context.Context, ownerID, id string, status domain.DefinitionStatus) (domain.PipelineDefinition, error) {
	if status != domain.DefinitionActive && status != domain.DefinitionInactive {
		return domain.PipelineDefinition{}, domain.NewValidationError("status", "status must be active or inactive")
	}
	return s.mutate(ctx, ownerID, id, func(def *domain.PipelineDefinition) (bool, error) {
		if def.Status == domain.DefinitionArchived {
			return false, domain.NewValidationError("status", "archived definitions cannot change status")
		}
		if def.Status == status {
			return false, nil
		}
		def.Status = status
		return true, nil
	})
}

// mutate applies fn to the current row and writes it back, reloading on
// version conflicts. fn reports whether anything changed.
func (s *Service) mutate(ctx context.Context, ownerID, id string, fn func(*domain.PipelineDefinition) (bool, error)) (domain.PipelineDefinition, error) {
	for attempt := 0; ; attempt++ {
		def, err := s.Get(ctx, ownerID, id)
		if err != nil {
			return domain.PipelineDefinition{}, err
		}
		changed, err := fn(&def)
		if err != nil {
			return domain.PipelineDefinition{}, err
		}
		if !changed {
			return def, nil
		}
		updated, err := s.repo.Update(ctx, def)
		if err == nil {
			s.logger.Info("pipeline definition updated",
				"pipeline_id", updated.ID,
				"owner_id", updated.OwnerID,
				"status", string(updated.Status),
				"version", updated.Version,
			)
			return updated, nil
		}
		if errors.Is(err, repo.ErrConflict) && attempt < maxUpdateRetries {
			continue
		}
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PipelineDefinition{}, &domain.NotFoundError{Resource: "pipeline", ID: id}
		}
		return domain.PipelineDefinition{}, fmt.Errorf("update definition: %w", err)
	}
}
