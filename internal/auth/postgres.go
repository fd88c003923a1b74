package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore reads admin accounts from the admin_accounts table.
// Account management happens out of band; the gateway only authenticates.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ByUsername(ctx context.Context, username string) (*Account, error) {
	const query = `
		SELECT username, password_hash, role, enabled, created_at
		FROM admin_accounts
		WHERE username = $1`

	var account Account
	var role string
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&account.Username,
		&account.PasswordHash,
		&role,
		&account.Enabled,
		&account.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query admin account: %w", err)
	}

	account.Role = Role(role)
	return &account, nil
}
