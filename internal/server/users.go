// users.go - Mapping of verified Google identities to internal user rows.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUserNotFound is returned by lookups when no row matches.
var ErrUserNotFound = errors.New("user not found")

// User is an internal account, created on first sight of a Google subject id.
type User struct {
	ID         uuid.UUID `json:"id"`
	GoogleID   string    `json:"google_id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Reputation int       `json:"reputation"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserDirectory resolves verified identities to user rows. The auth gate only
// ever calls FindByGoogleID; FindOrCreate is reserved for login.
type UserDirectory interface {
	FindByGoogleID(ctx context.Context, googleID string) (*User, error)
	FindOrCreate(ctx context.Context, ident VerifiedIdentity) (*User, error)
}

type sqlUserDirectory struct {
	db *sql.DB
}

// NewUserDirectory returns the Postgres-backed directory.
func NewUserDirectory(db *sql.DB) UserDirectory {
	return &sqlUserDirectory{db: db}
}

const userColumns = `id, google_id, email, full_name, reputation, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.GoogleID, &u.Email, &u.FullName, &u.Reputation, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (d *sqlUserDirectory) FindByGoogleID(ctx context.Context, googleID string) (*User, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE google_id = $1`, googleID)
	return scanUser(row)
}

// FindOrCreate looks the subject up and inserts a fresh row when absent.
// Two concurrent first logins race on the insert; the users.google_id unique
// constraint decides the winner and the loser re-reads the winning row, so the
// call is idempotent from the caller's perspective.
func (d *sqlUserDirectory) FindOrCreate(ctx context.Context, ident VerifiedIdentity) (*User, error) {
	u, err := d.FindByGoogleID(ctx, ident.GoogleID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	row := d.db.QueryRowContext(ctx,
		`INSERT INTO users (google_id, email, full_name, reputation)
		 VALUES ($1, $2, $3, 0)
		 RETURNING `+userColumns,
		ident.GoogleID, ident.Email, ident.FullName)

	u, err = scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a first-sight race; the winning row is authoritative.
			return d.FindByGoogleID(ctx, ident.GoogleID)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
