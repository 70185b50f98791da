package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultCursorName = "default"
)

// SQLStore keeps the cursor as one row of cursor_state. The queries are plain
// enough to run unchanged on PostgreSQL and SQLite.
type SQLStore struct {
	db     *sqlx.DB
	name   string
	logger zerolog.Logger
}

type dbCursor struct {
	Name     string         `db:"name"`
	LastGUID sql.NullString `db:"last_guid"`
}

func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// Writers must not race each other on a single file.
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func NewSQLStore(db *sqlx.DB, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		name:   defaultCursorName,
		logger: logger,
	}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cursor_state (
		name       TEXT PRIMARY KEY,
		last_guid  TEXT,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate cursor_state: %w", err)
	}

	return nil
}

// Load returns the stored id. Query failures are logged and reported as no cursor.
func (s *SQLStore) Load(ctx context.Context) (string, bool) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Cursor database unavailable, starting without cursor")
		return "", false
	}
	defer conn.Close()

	var row dbCursor

	err = conn.GetContext(
		ctx,
		&row,
		s.db.Rebind(`SELECT name, last_guid FROM cursor_state WHERE name = ?`),
		s.name,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn().Err(err).Msg("Cursor row unreadable, starting without cursor")
		}
		return "", false
	}

	if !row.LastGUID.Valid || row.LastGUID.String == "" {
		return "", false
	}

	return row.LastGUID.String, true
}

func (s *SQLStore) Save(ctx context.Context, id string) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("cursor db conn: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(
		ctx,
		s.db.Rebind(`INSERT INTO cursor_state (name, last_guid, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET last_guid = excluded.last_guid, updated_at = excluded.updated_at`),
		s.name,
		id,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	return nil
}
