package sqlstore

import (
	"context"
	"fmt"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectForDriver maps a database/sql driver name to its DDL dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return Postgres, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

type columnTypes struct {
	json      string
	timestamp string
	bigint    string
}

func typesFor(d Dialect) (columnTypes, error) {
	switch d {
	case Postgres:
		return columnTypes{json: "JSONB", timestamp: "TIMESTAMPTZ", bigint: "BIGINT"}, nil
	case SQLite:
		return columnTypes{json: "TEXT", timestamp: "TIMESTAMP", bigint: "INTEGER"}, nil
	default:
		return columnTypes{}, fmt.Errorf("unsupported dialect %q", d)
	}
}

func schemaStatements(d Dialect) ([]string, error) {
	t, err := typesFor(d)
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipeline_definitions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			steps %[1]s NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('active','inactive','archived')),
			version INTEGER NOT NULL,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`, t.json, t.timestamp),
		`CREATE INDEX IF NOT EXISTS pipeline_definitions_owner_idx ON pipeline_definitions (owner_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipeline_executions (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			steps %[1]s NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
			input_data %[1]s,
			output_data %[1]s,
			context_data %[1]s,
			error_message TEXT,
			step_cursor INTEGER NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			trigger_key TEXT,
			version %[3]s NOT NULL,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL,
			started_at %[2]s,
			completed_at %[2]s
		)`, t.json, t.timestamp, t.bigint),
		`CREATE INDEX IF NOT EXISTS pipeline_executions_pipeline_idx ON pipeline_executions (pipeline_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS pipeline_executions_status_idx ON pipeline_executions (status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS pipeline_executions_trigger_key_idx ON pipeline_executions (owner_id, trigger_key)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS step_outcomes (
			execution_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			service TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('succeeded','failed','retried')),
			attempts INTEGER NOT NULL,
			latency_ms %[3]s NOT NULL,
			resource_id TEXT,
			error_detail TEXT,
			output %[1]s,
			tokens_used %[3]s NOT NULL DEFAULT 0,
			cost_micros %[3]s,
			started_at %[2]s NOT NULL,
			finished_at %[2]s NOT NULL,
			PRIMARY KEY (execution_id, step_index)
		)`, t.json, t.timestamp, t.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_metrics (
			user_id TEXT NOT NULL,
			service TEXT NOT NULL,
			usage_date DATE NOT NULL,
			request_count %[2]s NOT NULL DEFAULT 0,
			token_count %[2]s NOT NULL DEFAULT 0,
			cost_micros %[2]s NOT NULL DEFAULT 0,
			updated_at %[1]s NOT NULL,
			PRIMARY KEY (user_id, service, usage_date)
		)`, t.timestamp, t.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_ledger (
			execution_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			recorded_at %[1]s NOT NULL,
			PRIMARY KEY (execution_id, step_index)
		)`, t.timestamp),
	}, nil
}

// Migrate creates the tables the stores need. It is safe to run on every
// start.
func Migrate(ctx context.Context, db DB, d Dialect) error {
	stmts, err := schemaStatements(d)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
