// Package pgstore persists connection presence in postgres, one row per
// (user_pk, channel_name) pair. Writes come from job workers on several
// nodes at once; every statement is a single self-contained upsert or
// update so no coordination is needed.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/VoteIT/channels-envelope/store"
)

const table = "envelope_connections"

const schema = `
CREATE TABLE IF NOT EXISTS envelope_connections (
	user_pk      BIGINT      NOT NULL,
	channel_name TEXT        NOT NULL,
	online       BOOLEAN     NOT NULL DEFAULT FALSE,
	awol         BOOLEAN     NOT NULL DEFAULT FALSE,
	online_at    TIMESTAMPTZ,
	offline_at   TIMESTAMPTZ,
	last_action  TIMESTAMPTZ,
	PRIMARY KEY (user_pk, channel_name)
);
CREATE INDEX IF NOT EXISTS envelope_connections_online_idx
	ON envelope_connections (last_action) WHERE online;
`

// Open connects to postgres and verifies the connection. The pool is
// sized for worker traffic, not request fan-out.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return db, nil
}

// Store implements store.Store on a postgres pool.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "pgstore").Logger(),
	}
}

// Migrate creates the presence table when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

const selectColumns = "user_pk, channel_name, online, awol, online_at, offline_at, last_action"

func (s *Store) UpsertStatus(ctx context.Context, userPk int64, channelName string, change store.StatusChange) (store.Connection, error) {
	cols := []string{"user_pk", "channel_name"}
	vals := []string{"$1", "$2"}
	args := []any{userPk, channelName}
	var sets []string
	add := func(col string, v any) {
		args = append(args, v)
		ph := fmt.Sprintf("$%d", len(args))
		cols = append(cols, col)
		vals = append(vals, ph)
		sets = append(sets, col+" = "+ph)
	}
	if change.Online != nil {
		add("online", *change.Online)
	}
	if change.Awol != nil {
		add("awol", *change.Awol)
	}
	if change.OnlineAt != nil {
		add("online_at", *change.OnlineAt)
	}
	if change.OfflineAt != nil {
		add("offline_at", *change.OfflineAt)
	}
	if change.LastAction != nil {
		add("last_action", *change.LastAction)
	}
	if len(sets) == 0 {
		// RETURNING only fires on a write; touch a key column with itself.
		sets = append(sets, "channel_name = EXCLUDED.channel_name")
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (user_pk, channel_name) DO UPDATE SET %s RETURNING %s",
		table, strings.Join(cols, ", "), strings.Join(vals, ", "), strings.Join(sets, ", "), selectColumns,
	)
	conn, err := scanConnection(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return store.Connection{}, fmt.Errorf("pgstore: upsert %s: %w", channelName, err)
	}
	return conn, nil
}

func (s *Store) Get(ctx context.Context, userPk int64, channelName string) (store.Connection, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_pk = $1 AND channel_name = $2", selectColumns, table)
	conn, err := scanConnection(s.db.QueryRowContext(ctx, query, userPk, channelName))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Connection{}, store.ErrNotFound
	}
	if err != nil {
		return store.Connection{}, fmt.Errorf("pgstore: get %s: %w", channelName, err)
	}
	return conn, nil
}

func (s *Store) MarkAwol(ctx context.Context, olderThan time.Time) ([]store.Connection, error) {
	query := fmt.Sprintf(
		"UPDATE %s SET awol = TRUE, online = FALSE WHERE online AND last_action < $1 RETURNING %s",
		table, selectColumns,
	)
	rows, err := s.db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("pgstore: mark awol: %w", err)
	}
	defer rows.Close()
	var swept []store.Connection
	for rows.Next() {
		var conn store.Connection
		var onlineAt, offlineAt, lastAction sql.NullTime
		if err := rows.Scan(&conn.UserPk, &conn.ChannelName, &conn.Online, &conn.Awol, &onlineAt, &offlineAt, &lastAction); err != nil {
			return nil, fmt.Errorf("pgstore: mark awol: %w", err)
		}
		conn.OnlineAt = onlineAt.Time
		conn.OfflineAt = offlineAt.Time
		conn.LastAction = lastAction.Time
		swept = append(swept, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: mark awol: %w", err)
	}
	if len(swept) > 0 {
		s.log.Info().Int("connections", len(swept)).Time("older_than", olderThan).Msg("marked awol")
	}
	return swept, nil
}

func (s *Store) CountOnline(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE online", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count online: %w", err)
	}
	return n, nil
}

func scanConnection(row *sql.Row) (store.Connection, error) {
	var conn store.Connection
	var onlineAt, offlineAt, lastAction sql.NullTime
	err := row.Scan(&conn.UserPk, &conn.ChannelName, &conn.Online, &conn.Awol, &onlineAt, &offlineAt, &lastAction)
	if err != nil {
		return store.Connection{}, err
	}
	conn.OnlineAt = onlineAt.Time
	conn.OfflineAt = offlineAt.Time
	conn.LastAction = lastAction.Time
	return conn, nil
}
