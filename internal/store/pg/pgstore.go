// Package pg provides a Postgres-backed user store for deployments that need
// accounts to survive restarts.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qilbeedb.org/internal/auth"
)

// Store implements auth.UserStore on top of Postgres. Roles are stored as a
// jsonb document so the row shape stays flat.
type Store struct {
	db *sql.DB
}

var _ auth.UserStore = (*Store)(nil)

// Open connects with pooled defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; used by tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for readiness pings.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the users table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		create table if not exists users (
			id            text primary key,
			username      text not null unique,
			email         text not null,
			password_hash text not null,
			roles         jsonb not null,
			active        boolean not null,
			created_at    timestamptz not null,
			updated_at    timestamptz not null,
			last_login_at timestamptz
		)`)
	if err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, u *auth.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, roles, active, created_at, updated_at, last_login_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.Username, u.Email, u.PasswordHash, roles, u.Active, u.CreatedAt, u.UpdatedAt, u.LastLoginAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) GetByID(ctx context.Context, id string) (auth.User, error) {
	return s.get(ctx, `where id=$1`, id)
}

func (s *Store) GetByUsername(ctx context.Context, username string) (auth.User, error) {
	return s.get(ctx, `where lower(username)=lower($1)`, username)
}

func (s *Store) get(ctx context.Context, where string, arg any) (auth.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, username, email, password_hash, roles, active, created_at, updated_at, last_login_at
		from users `+where, arg)
	return scanUser(row)
}

func (s *Store) List(ctx context.Context) ([]auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, username, email, password_hash, roles, active, created_at, updated_at, last_login_at
		from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, u *auth.User) error {
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set email=$2, password_hash=$3, roles=$4, active=$5, updated_at=$6, last_login_at=$7
		where id=$1`,
		u.ID, u.Email, u.PasswordHash, roles, u.Active, u.UpdatedAt, u.LastLoginAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var u auth.User
	var roles []byte
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &roles, &u.Active, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return auth.User{}, fmt.Errorf("decode roles: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
