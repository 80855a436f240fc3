package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LegacyStore resolves pre-migration opaque tokens through a lookup table.
// These tokens carry no structure; the table maps them to the same fields a
// signed token would carry.
type LegacyStore struct {
	db *sql.DB
}

// NewLegacyStore creates a legacy token store backed by the shared database.
func NewLegacyStore(db *sql.DB) (*LegacyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &LegacyStore{db: db}, nil
}

// Lookup resolves an opaque token. The second return is false when the token
// is unknown; err is reserved for storage failures.
func (l *LegacyStore) Lookup(ctx context.Context, token string) (Claims, bool, error) {
	if token == "" {
		return Claims{}, false, nil
	}

	var claims Claims
	err := l.db.QueryRowContext(ctx,
		"SELECT user_id, email, role FROM legacy_tokens WHERE token = ?", token,
	).Scan(&claims.UserID, &claims.Email, &claims.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return Claims{}, false, nil
	}
	if err != nil {
		return Claims{}, false, fmt.Errorf("legacy token lookup failed: %w", err)
	}

	return claims, true, nil
}

// Add registers an opaque token mapping. Used by migrations and tests.
func (l *LegacyStore) Add(ctx context.Context, token, userID, email, role string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO legacy_tokens (token, user_id, email, role, created_at) VALUES (?, ?, ?, ?, ?)",
		token, userID, email, role, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add legacy token: %w", err)
	}
	return nil
}

// Remove deletes an opaque token mapping.
func (l *LegacyStore) Remove(ctx context.Context, token string) error {
	_, err := l.db.ExecContext(ctx, "DELETE FROM legacy_tokens WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("failed to remove legacy token: %w", err)
	}
	return nil
}
