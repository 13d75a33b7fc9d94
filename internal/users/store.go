package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Loader when no active account matches.
var ErrNotFound = errors.New("users: not found")

// Loader fetches an account from the system of record.
type Loader interface {
	Load(ctx context.Context, kind Kind, id string) (*User, error)
}

// Store loads accounts from PostgreSQL. Regular users live in the users
// table, admins in admin_users; only active rows are visible.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const (
	selectUser = `
		SELECT id, username, email, role, is_active, credits, created_at, updated_at
		FROM users
		WHERE id = $1 AND is_active = true`

	selectAdmin = `
		SELECT id, username, email, role, is_active, NULL::numeric, created_at, updated_at
		FROM admin_users
		WHERE id = $1 AND is_active = true`
)

// query returns the lookup statement for kind.
func query(kind Kind) (string, error) {
	switch kind {
	case KindUser:
		return selectUser, nil
	case KindAdmin:
		return selectAdmin, nil
	default:
		return "", fmt.Errorf("users: unknown kind %q", kind)
	}
}

// Load implements Loader.
func (s *Store) Load(ctx context.Context, kind Kind, id string) (*User, error) {
	q, err := query(kind)
	if err != nil {
		return nil, err
	}

	u := User{Kind: kind}
	err = s.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.Role,
		&u.IsActive,
		&u.Credits,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: load %s %s: %w", kind, id, err)
	}
	return &u, nil
}
