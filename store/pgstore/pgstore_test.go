package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VoteIT/channels-envelope/store"
)

// Tests run against a throwaway database and are skipped when none is
// configured, e.g.
//
//	ENVELOPE_TEST_POSTGRES_DSN=postgres://localhost/envelope_test?sslmode=disable go test ./store/pgstore
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ENVELOPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENVELOPE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, zerolog.Nop())
	require.NoError(t, s.Migrate(ctx))
	_, err = db.ExecContext(ctx, "TRUNCATE envelope_connections")
	require.NoError(t, err)
	return s
}

func pgNow() time.Time {
	// TIMESTAMPTZ keeps microseconds.
	return time.Now().UTC().Truncate(time.Microsecond)
}

func TestUpsertLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	onlineAt := pgNow()

	conn, err := s.UpsertStatus(ctx, 7, "c.pg.1", store.StatusChange{
		Online:     store.Ptr(true),
		OnlineAt:   &onlineAt,
		LastAction: &onlineAt,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), conn.UserPk)
	assert.True(t, conn.Online)
	assert.True(t, conn.OnlineAt.Equal(onlineAt))
	assert.True(t, conn.OfflineAt.IsZero())

	// Partial update keeps the rest of the row.
	later := onlineAt.Add(time.Minute)
	conn, err = s.UpsertStatus(ctx, 7, "c.pg.1", store.StatusChange{LastAction: &later})
	require.NoError(t, err)
	assert.True(t, conn.Online)
	assert.True(t, conn.OnlineAt.Equal(onlineAt))
	assert.True(t, conn.LastAction.Equal(later))

	offlineAt := later.Add(time.Minute)
	conn, err = s.UpsertStatus(ctx, 7, "c.pg.1", store.StatusChange{
		Online:    store.Ptr(false),
		OfflineAt: &offlineAt,
	})
	require.NoError(t, err)
	assert.False(t, conn.Online)
	assert.True(t, conn.OfflineAt.Equal(offlineAt))

	got, err := s.Get(ctx, 7, "c.pg.1")
	require.NoError(t, err)
	assert.Equal(t, conn.ChannelName, got.ChannelName)
	assert.True(t, got.LastAction.Equal(later))
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), 404, "c.pg.none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkAwolSweep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cutoff := pgNow()
	stale := cutoff.Add(-time.Hour)
	fresh := cutoff.Add(time.Hour)

	_, err := s.UpsertStatus(ctx, 1, "c.pg.stale", store.StatusChange{Online: store.Ptr(true), LastAction: &stale})
	require.NoError(t, err)
	_, err = s.UpsertStatus(ctx, 2, "c.pg.fresh", store.StatusChange{Online: store.Ptr(true), LastAction: &fresh})
	require.NoError(t, err)

	swept, err := s.MarkAwol(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, int64(1), swept[0].UserPk)
	assert.Equal(t, "c.pg.stale", swept[0].ChannelName)
	assert.True(t, swept[0].Awol)

	conn, err := s.Get(ctx, 1, "c.pg.stale")
	require.NoError(t, err)
	assert.True(t, conn.Awol)
	assert.False(t, conn.Online)

	online, err := s.CountOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), online)

	// A second sweep finds nothing.
	swept, err = s.MarkAwol(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, swept)
}
