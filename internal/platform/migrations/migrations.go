package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// statements is the ordered schema definition. Each entry must be idempotent
// so Apply can run at every startup.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_wallet_address_key ON users (wallet_address)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		external_id BIGINT,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		model TEXT NOT NULL,
		capabilities TEXT[] NOT NULL,
		price NUMERIC NOT NULL DEFAULT 0 CHECK (price >= 0),
		for_sale BOOLEAN NOT NULL DEFAULT FALSE,
		creator_id UUID NOT NULL REFERENCES users (id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS agents_external_id_key ON agents (external_id) WHERE external_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS ownerships (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL REFERENCES agents (id),
		user_id UUID NOT NULL REFERENCES users (id),
		purchased_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ownerships_agent_user_key ON ownerships (agent_id, user_id)`,
}

// Apply executes every schema statement in order against the provided handle.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Count returns the number of schema statements. Exposed for tests.
func Count() int {
	return len(statements)
}
