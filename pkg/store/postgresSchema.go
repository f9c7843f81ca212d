package store

import (
	"context"
	"fmt"
)

func messageTableDDL(role Role) []string {
	table := role.Collection()
	date := dateColumn(role)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id                  TEXT PRIMARY KEY,
	message_id          TEXT NOT NULL,
	correlation_key     TEXT NOT NULL,
	type                TEXT NOT NULL,
	source              TEXT NOT NULL DEFAULT '',
	payload             BYTEA,
	status              TEXT NOT NULL,
	claimed_by          TEXT,
	claim_expires_at    TIMESTAMPTZ,
	completion_attempts INTEGER NOT NULL DEFAULT 0,
	%s    TIMESTAMPTZ NOT NULL,
	next_attempt_at     TIMESTAMPTZ,
	last_error          TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ,
	CONSTRAINT %s_claim_fields CHECK ((status = 'CLAIMED') = (claimed_by IS NOT NULL AND claim_expires_at IS NOT NULL))
)`, table, date, table),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_message_id_unique ON %[1]s (message_id)", table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_claim_candidates ON %[1]s (status, claimed_by, completion_attempts, %[2]s)", table, date),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_claim_expiry ON %[1]s (claim_expires_at)", table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_status_attempts ON %[1]s (status, completion_attempts)", table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_correlation_head ON %[1]s (correlation_key, status, %[2]s)", table, date),
	}
}

var lockTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS fifo_locks (
	id              TEXT PRIMARY KEY,
	segregation_ref TEXT NOT NULL,
	actor           TEXT NOT NULL,
	locked          BOOLEAN NOT NULL DEFAULT FALSE,
	owner           TEXT NOT NULL DEFAULT '',
	locked_at       TIMESTAMPTZ
)`,
	"CREATE INDEX IF NOT EXISTS fifo_locks_stale ON fifo_locks (actor, locked, locked_at)",
}

// PostgresSchema returns the DDL statements for both role tables and the lock table.
func PostgresSchema() []string {
	var stmts []string
	for _, role := range Roles {
		stmts = append(stmts, messageTableDDL(role)...)
	}
	return append(stmts, lockTableDDL...)
}

// EnsureSchema creates the tables and indexes when they are missing.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range PostgresSchema() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
