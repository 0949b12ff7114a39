package users

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	role          TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`

// PostgresRepo stores users in Postgres through database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// EnsureSchema creates the users table when missing.
func EnsureSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, schema)
	return err
}

func (r *PostgresRepo) Create(ctx context.Context, u User) error {
	const q = `
INSERT INTO users (id, email, name, role, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Email, u.Name, u.Role, u.PasswordHash, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (User, error) {
	const q = `
SELECT id, email, name, role, password_hash, created_at
FROM users
WHERE id = $1
`
	return scanUser(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetByEmail(ctx context.Context, email string) (User, error) {
	const q = `
SELECT id, email, name, role, password_hash, created_at
FROM users
WHERE email = $1
`
	return scanUser(r.db.QueryRowContext(ctx, q, email))
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.Role,
		&u.PasswordHash,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}
