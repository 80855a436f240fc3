package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrEmailTaken indicates a registration attempt for an existing email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials indicates a failed login.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Registry manages user accounts and issues signed tokens for them.
type Registry struct {
	db     *sql.DB
	signer *Signer
}

// NewRegistry creates a user registry backed by the shared database.
func NewRegistry(db *sql.DB, signer *Signer) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	return &Registry{db: db, signer: signer}, nil
}

// Register creates a new user account and returns its identity.
func (r *Registry) Register(ctx context.Context, email, password, role string) (UserIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return UserIdentity{}, fmt.Errorf("invalid email address")
	}
	if len(password) < 8 {
		return UserIdentity{}, fmt.Errorf("password must be at least 8 characters")
	}
	if role == "" {
		role = "user"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserIdentity{}, fmt.Errorf("failed to hash password: %w", err)
	}

	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO users (id, email, role, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		id, email, role, string(hash), time.Now().UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return UserIdentity{}, ErrEmailTaken
		}
		return UserIdentity{}, fmt.Errorf("failed to create user: %w", err)
	}

	return UserIdentity{UserID: id, Email: email, Role: role}, nil
}

// Login verifies a password and mints a signed token for the account.
func (r *Registry) Login(ctx context.Context, email, password string) (string, Claims, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var (
		id, role, hash string
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, role, password_hash FROM users WHERE email = ?", email,
	).Scan(&id, &role, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", Claims{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to look up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", Claims{}, ErrInvalidCredentials
	}

	return r.mint(id, email, role)
}

// Verify validates a signed token and returns the identity it carries.
func (r *Registry) Verify(token string) (UserIdentity, error) {
	claims, err := r.signer.Verify(token)
	if err != nil {
		return UserIdentity{}, err
	}
	return claims.Identity(), nil
}

func (r *Registry) mint(id, email, role string) (string, Claims, error) {
	token, claims, err := r.signer.Mint(id, email, role)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to mint token: %w", err)
	}
	return token, claims, nil
}
