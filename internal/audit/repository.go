package audit

import (
	"context"
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS auth_audit_events (
	id           UUID PRIMARY KEY,
	type         TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	actor_id     TEXT NOT NULL DEFAULT '',
	ip_address   TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the audit table when missing.
func EnsureSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, schema)
	return err
}

// PostgresRepo appends audit events through database/sql with the pgx driver.
// It exposes INSERT only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO auth_audit_events (id, type, principal_id, actor_id, ip_address, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, string(e.Type), e.PrincipalID, e.ActorID, e.IPAddress, e.Message, e.CreatedAt)
	return err
}
