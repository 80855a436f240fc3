package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arkon-ai/arkon/internal/observability"
	"github.com/arkon-ai/arkon/internal/tracing"
	"github.com/arkon-ai/arkon/pkg/identity"
)

// ErrNotFound indicates the session id has never been created.
var ErrNotFound = errors.New("session not found")

// sessionNamespace seeds the deterministic identity-key to session-id
// derivation. Changing it invalidates every stored session id.
var sessionNamespace = uuid.MustParse("7a6d1c3e-9b42-4f1b-8c5d-2e0f4a9b6d81")

// Entry is a single conversation turn.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the bounded conversation state for one identity.
type Session struct {
	ID           string    `json:"session_id"`
	IdentityKey  string    `json:"identity_key"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	History      []Entry   `json:"history"`
}

// Store persists sessions in sqlite with per-session write serialization.
// Distinct sessions never block each other; appends to the same session are
// linearized through a per-id mutex.
type Store struct {
	db         *sql.DB
	expiry     time.Duration
	historyCap int
	now        func() time.Time

	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// NewStore creates a session store on the shared database.
func NewStore(db *sql.DB, expiry time.Duration, historyCap int) (*Store, error) {
	observability.EnsureRegistered()

	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("session expiry must be positive")
	}
	if historyCap < 1 {
		return nil, fmt.Errorf("history cap must be at least 1")
	}

	s := &Store{
		db:         db,
		expiry:     expiry,
		historyCap: historyCap,
		now:        time.Now,
		writeLocks: make(map[string]*sync.Mutex),
	}

	s.updateActiveSessionsMetric(context.Background())
	return s, nil
}

// WithNow allows tests to control the clock.
func (s *Store) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IDForIdentity derives the stable session id for an identity key.
func IDForIdentity(id identity.Identity) string {
	return uuid.NewSHA1(sessionNamespace, []byte(id.Key())).String()
}

func (s *Store) getWriteLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[sessionID] = lock
	return lock
}

// GetOrCreate returns the identity's live session, creating a fresh one when
// none exists or the stored one has expired. An expired session is replaced
// atomically under the same id; its stale history is never returned.
func (s *Store) GetOrCreate(ctx context.Context, id identity.Identity) (Session, error) {
	sessionID := IDForIdentity(id)

	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"arkon.session",
		"session.get_or_create",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		sess, err = s.create(ctx, sessionID, id.Key())
		if err == nil {
			logger.Info().Str("identity", id.Display()).Msg("Session created")
			s.updateActiveSessionsMetric(ctx)
		}
	} else if err == nil && s.expired(sess) {
		logger.Info().
			Time("last_active_at", sess.LastActiveAt).
			Msg("Session expired, replacing with fresh state")
		observability.RecordSessionExpired()
		sess, err = s.create(ctx, sessionID, id.Key())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}
	return sess, nil
}

// Read returns the session for the given id. A never-created id yields
// ErrNotFound; an expired session is replaced with a fresh empty one.
func (s *Store) Read(ctx context.Context, sessionID string) (Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arkon.session",
		"session.read",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	if s.expired(sess) {
		observability.RecordSessionExpired()
		sess, err = s.create(ctx, sessionID, sess.IdentityKey)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Session{}, err
		}
	}
	return sess, nil
}

// Append adds one history entry, evicts beyond the cap (oldest first), and
// bumps last_active_at. Appends to the same session are serialized.
func (s *Store) Append(ctx context.Context, sessionID string, entry Entry) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"arkon.session",
		"session.append",
		attribute.String("session_id", sessionID),
		attribute.String("role", entry.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if entry.Role == "" {
		return fmt.Errorf("entry role cannot be empty")
	}
	if entry.Content == "" {
		return fmt.Errorf("entry content cannot be empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	sess.History = append(sess.History, entry)
	if len(sess.History) > s.historyCap {
		sess.History = sess.History[len(sess.History)-s.historyCap:]
	}
	sess.LastActiveAt = s.now().UTC()

	if err := s.save(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger.Debug().
		Str("role", entry.Role).
		Int("history", len(sess.History)).
		Msg("History entry appended")
	return nil
}

// Delete removes a session record. Used by the purger and tests.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, sessionID)
	s.locksMu.Unlock()

	s.updateActiveSessionsMetric(ctx)
	return nil
}

// PurgeExpired physically removes sessions whose expiry has passed and
// returns how many were dropped. Expiry is already enforced logically on
// access; this just reclaims storage.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.expiry)

	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE last_active_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged sessions: %w", err)
	}

	if count > 0 {
		log.Info().Int64("purged", count).Msg("Expired sessions purged")
	}
	s.updateActiveSessionsMetric(ctx)
	return int(count), nil
}

// Count returns the number of stored sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *Store) expired(sess Session) bool {
	return !s.now().UTC().Before(sess.LastActiveAt.Add(s.expiry))
}

func (s *Store) load(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess        Session
		historyJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, identity_key, created_at, last_active_at, history FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&sess.ID, &sess.IdentityKey, &sess.CreatedAt, &sess.LastActiveAt, &historyJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
			// Corrupt history is dropped rather than poisoning the session
			log.Warn().Str("session_id", sessionID).Err(err).Msg("Discarding unreadable session history")
			sess.History = nil
		}
	}
	return sess, nil
}

func (s *Store) create(ctx context.Context, sessionID, identityKey string) (Session, error) {
	now := s.now().UTC()
	sess := Session{
		ID:           sessionID,
		IdentityKey:  identityKey,
		CreatedAt:    now,
		LastActiveAt: now,
		History:      nil,
	}
	if err := s.save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) save(ctx context.Context, sess Session) error {
	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, identity_key, created_at, last_active_at, history)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   identity_key = excluded.identity_key,
		   created_at = excluded.created_at,
		   last_active_at = excluded.last_active_at,
		   history = excluded.history`,
		sess.ID, sess.IdentityKey, sess.CreatedAt, sess.LastActiveAt, string(historyJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	count, err := s.Count(ctx)
	if err != nil {
		return
	}
	observability.SetActiveSessions(count)
}
