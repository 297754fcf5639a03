// Package usage accumulates per-user service usage from succeeded steps.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/repo"
)

// Record is one succeeded step. CostMicros overrides the pricing table when
// the service reported its own cost.
type Record struct {
	UserID      string
	Service     domain.ServiceKind
	ExecutionID string
	StepIndex   int
	Tokens      int64
	CostMicros  *int64
	At          time.Time
}

type Recorder struct {
	repo    repo.UsageRepository
	pricing Pricing
	logger  *slog.Logger
	now     func() time.Time
}

func NewRecorder(usage repo.UsageRepository, pricing Pricing, logger *slog.Logger) *Recorder {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{repo: usage, pricing: pricing, logger: logger, now: time.Now}
}

// Record adds one request to the (user, service, UTC day) counters. A
// repeated record for the same execution step is ignored; applied reports
// whether the counters moved.
func (r *Recorder) Record(ctx context.Context, rec Record) (bool, error) {
	if strings.TrimSpace(rec.UserID) == "" {
		return false, errors.New("usage: user id is required")
	}
	if strings.TrimSpace(rec.ExecutionID) == "" {
		return false, errors.New("usage: execution id is required")
	}
	if !rec.Service.Valid() {
		return false, fmt.Errorf("usage: unknown service %q", rec.Service)
	}
	at := rec.At
	if at.IsZero() {
		at = r.now()
	}
	tokens := rec.Tokens
	if tokens < 0 {
		tokens = 0
	}
	cost := r.pricing.Cost(rec.Service, tokens)
	if rec.CostMicros != nil && *rec.CostMicros >= 0 {
		cost = *rec.CostMicros
	}

	applied, err := r.repo.Apply(ctx, repo.UsageIncrement{
		ExecutionID: rec.ExecutionID,
		StepIndex:   rec.StepIndex,
		UserID:      rec.UserID,
		Service:     rec.Service,
		Date:        domain.UsageDate(at),
		Requests:    1,
		Tokens:      tokens,
		CostMicros:  cost,
	})
	if err != nil {
		return false, fmt.Errorf("apply usage: %w", err)
	}
	if !applied {
		r.logger.Info("usage already recorded",
			"execution_id", rec.ExecutionID,
			"step_index", rec.StepIndex,
			"service", string(rec.Service),
		)
	}
	return applied, nil
}

// Get returns the counters of one user, service and day.
func (r *Recorder) Get(ctx context.Context, userID string, service domain.ServiceKind, day time.Time) (domain.UsageMetric, error) {
	return r.repo.Get(ctx, userID, service, domain.UsageDate(day))
}
