package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkon-ai/arkon/internal/store"
	"github.com/arkon-ai/arkon/pkg/identity"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "arkon.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db.DB(), 5*time.Hour, 10)
	require.NoError(t, err)
	return s
}

func TestStore_GetOrCreate_Deterministic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	anon := identity.AnonymousIdentity{SourceIP: "10.0.0.5"}

	first, err := s.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	assert.Equal(t, "anon:10.0.0.5", first.IdentityKey)
	assert.Empty(t, first.History)

	// Same identity five minutes later shares the session
	s.WithNow(func() time.Time { return time.Now().Add(5 * time.Minute) })
	second, err := s.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different identity gets a different session
	other, err := s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.6"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestStore_HistoryCapFIFO(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.5"})
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		err := s.Append(ctx, sess.ID, Entry{Role: "user", Content: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}

	got, err := s.Read(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 10)

	// Oldest evicted first: entries 5..14 remain in order
	assert.Equal(t, "message 5", got.History[0].Content)
	assert.Equal(t, "message 14", got.History[9].Content)
}

func TestStore_Expiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	anon := identity.AnonymousIdentity{SourceIP: "10.0.0.5"}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return base })

	sess, err := s.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, sess.ID, Entry{Role: "user", Content: "hello"}))

	// Just under expiry: history survives
	s.WithNow(func() time.Time { return base.Add(5*time.Hour - time.Minute) })
	got, err := s.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)

	// Past expiry: fresh empty session, same id
	s.WithNow(func() time.Time { return base.Add(5*time.Hour + time.Minute) })
	fresh, err := s.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, fresh.ID)
	assert.Empty(t, fresh.History)
}

func TestStore_Read_NotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.Read(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Read_ExpiredYieldsFresh(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return base })

	sess, err := s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.5"})
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, sess.ID, Entry{Role: "user", Content: "stale"}))

	s.WithNow(func() time.Time { return base.Add(6 * time.Hour) })
	got, err := s.Read(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.History, "expired session must not serve stale history")
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.5"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Append(ctx, sess.ID, Entry{Role: "user", Content: fmt.Sprintf("concurrent %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Read(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 8, "no append may be lost")
}

func TestStore_PurgeExpired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return base })

	_, err := s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.5"})
	require.NoError(t, err)
	_, err = s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.6"})
	require.NoError(t, err)

	s.WithNow(func() time.Time { return base.Add(6 * time.Hour) })
	// Keep one session alive
	live, err := s.GetOrCreate(ctx, identity.AnonymousIdentity{SourceIP: "10.0.0.7"})
	require.NoError(t, err)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.Read(ctx, live.ID)
	assert.NoError(t, err)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arkon.db")
	ctx := context.Background()
	anon := identity.AnonymousIdentity{SourceIP: "10.0.0.5"}

	db, err := store.Open(path, zerolog.Nop())
	require.NoError(t, err)
	s, err := NewStore(db.DB(), 5*time.Hour, 10)
	require.NoError(t, err)

	sess, err := s.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, sess.ID, Entry{Role: "user", Content: "persisted"}))
	require.NoError(t, db.Close())

	db2, err := store.Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer db2.Close()
	s2, err := NewStore(db2.DB(), 5*time.Hour, 10)
	require.NoError(t, err)

	got, err := s2.GetOrCreate(ctx, anon)
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	assert.Equal(t, "persisted", got.History[0].Content)
}
