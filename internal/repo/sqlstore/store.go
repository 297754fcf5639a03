package sqlstore

import "database/sql"

// Store bundles the repositories over one connection pool.
type Store struct {
	Definitions *DefinitionStore
	Executions  *ExecutionStore
	Outcomes    *StepOutcomeStore
	Usage       *UsageStore
}

func New(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		Definitions: NewDefinitionStore(db),
		Executions:  NewExecutionStore(db),
		Outcomes:    NewStepOutcomeStore(db),
		Usage:       NewUsageStore(db),
	}
}
