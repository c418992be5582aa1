package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at, updated_at
		FROM users WHERE email=LOWER($1)
	`, strings.TrimSpace(email)))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, translate(err)
	}
	return user, nil
}

// EnsureUserByName finds a user by display name, creating a passwordless editor on first sight.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at, updated_at
		FROM users WHERE display_name=$1 ORDER BY created_at LIMIT 1
	`, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, role)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '.', $1, '@local.sitecraft.dev'), 'editor')
		RETURNING id, display_name, email, password_hash, role, created_at, updated_at
	`, id, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", translate(err))
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// translate folds driver errors into the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func jsonText(raw json.RawMessage, fallback string) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return fallback
	}
	return trimmed
}

func rawJSON(value []byte, fallback string) json.RawMessage {
	if len(value) == 0 {
		return json.RawMessage(fallback)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return json.RawMessage(out)
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

// rowsAffected reports whether a compare-and-set style statement changed a row.
func rowsAffected(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, translate(err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
