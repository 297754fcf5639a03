package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/repo"
)

type UsageStore struct {
	db TxDB
}

const (
	insertUsageLedgerQuery = `INSERT INTO usage_ledger (execution_id, step_index, recorded_at)
	VALUES ($1,$2,$3)
	ON CONFLICT (execution_id, step_index) DO NOTHING`

	upsertUsageQuery = `INSERT INTO usage_metrics (user_id, service, usage_date, request_count, token_count, cost_micros, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (user_id, service, usage_date) DO UPDATE SET
		request_count = usage_metrics.request_count + excluded.request_count,
		token_count = usage_metrics.token_count + excluded.token_count,
		cost_micros = usage_metrics.cost_micros + excluded.cost_micros,
		updated_at = excluded.updated_at`

	selectUsageQuery = `SELECT user_id, service, usage_date, request_count, token_count, cost_micros, updated_at
	 FROM usage_metrics
	 WHERE user_id = $1 AND service = $2 AND usage_date = $3`
)

func NewUsageStore(db TxDB) *UsageStore {
	if db == nil {
		return nil
	}
	return &UsageStore{db: db}
}

// Apply records the ledger row and increments the counters in one
// transaction; a ledger hit leaves the counters untouched.
func (s *UsageStore) Apply(ctx context.Context, inc repo.UsageIncrement) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("usage store not initialized")
	}
	if strings.TrimSpace(inc.ExecutionID) == "" {
		return false, fmt.Errorf("execution id is required")
	}
	if strings.TrimSpace(inc.UserID) == "" {
		return false, fmt.Errorf("user id is required")
	}
	if inc.Requests < 0 || inc.Tokens < 0 || inc.CostMicros < 0 {
		return false, fmt.Errorf("usage increments must be >= 0")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, insertUsageLedgerQuery, inc.ExecutionID, inc.StepIndex, now)
	if err != nil {
		return false, fmt.Errorf("insert usage ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("usage ledger rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, upsertUsageQuery,
		inc.UserID,
		string(inc.Service),
		domain.UsageDate(inc.Date),
		inc.Requests,
		inc.Tokens,
		inc.CostMicros,
		now,
	); err != nil {
		return false, fmt.Errorf("upsert usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit usage tx: %w", err)
	}
	return true, nil
}

func (s *UsageStore) Get(ctx context.Context, userID string, service domain.ServiceKind, date time.Time) (domain.UsageMetric, error) {
	if s == nil || s.db == nil {
		return domain.UsageMetric{}, fmt.Errorf("usage store not initialized")
	}
	var (
		metric  domain.UsageMetric
		svc     string
		usageAt time.Time
	)
	err := s.db.QueryRowContext(ctx, selectUsageQuery, userID, string(service), domain.UsageDate(date)).Scan(
		&metric.UserID,
		&svc,
		&usageAt,
		&metric.RequestCount,
		&metric.TokenCount,
		&metric.CostMicros,
		&metric.UpdatedAt,
	)
	if err != nil {
		return domain.UsageMetric{}, handleNotFound(err)
	}
	metric.Service = domain.ServiceKind(svc)
	metric.Date = domain.UsageDate(usageAt)
	metric.UpdatedAt = metric.UpdatedAt.UTC()
	return metric, nil
}
