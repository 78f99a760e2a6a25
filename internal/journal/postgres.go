package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the speech_requests table. Execute it via
// [PostgresJournal.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS speech_requests (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    dir_name    TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    chunks      INTEGER NOT NULL DEFAULT 0,
    bytes       BIGINT NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_speech_requests_user ON speech_requests(user_id, created_at DESC);
`

// DefaultLimit caps [PostgresJournal.Recent] when no limit is given.
const DefaultLimit = 50

// DB is the database interface used by [PostgresJournal]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresJournal is a [Journal] backed by a PostgreSQL database.
type PostgresJournal struct {
	db  DB
	now func() time.Time
}

// Compile-time interface check.
var _ Journal = (*PostgresJournal)(nil)

// NewPostgresJournal creates a [PostgresJournal] on db. The caller is
// responsible for calling [PostgresJournal.Migrate] before use.
func NewPostgresJournal(db DB) *PostgresJournal {
	return &PostgresJournal{db: db, now: time.Now}
}

// Migrate executes the [Schema] DDL against the database.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := j.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Record implements [Journal].
func (j *PostgresJournal) Record(ctx context.Context, e Entry) error {
	e = normalize(e, j.now())

	const query = `
		INSERT INTO speech_requests (id, user_id, dir_name, kind, chunks, bytes, status, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	if _, err := j.db.Exec(ctx, query,
		e.ID, e.UserID, e.DirName, string(e.Kind), e.Chunks, e.Bytes, e.Status, e.Error, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent implements [Journal].
func (j *PostgresJournal) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	const query = `
		SELECT id, user_id, dir_name, kind, chunks, bytes, status, error, created_at
		FROM speech_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := j.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e    Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.DirName, &kind, &e.Chunks, &e.Bytes, &e.Status, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return entries, nil
}
