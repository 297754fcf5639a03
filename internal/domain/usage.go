package domain

import "time"

// UsageMetric aggregates counters for one user, service and UTC day.
// Counters only grow.
type UsageMetric struct {
	UserID       string
	Service      ServiceKind
	Date         time.Time
	RequestCount int64
	TokenCount   int64
	CostMicros   int64
	UpdatedAt    time.Time
}

// UsageDate truncates t to its UTC calendar day.
func UsageDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
