// Package sqlstore is a database/sql-backed Store, shared by the postgres
// and sqlite deployment modes. The two modes differ only in which driver
// opens the *sql.DB and which golang-migrate database driver applies the
// embedded schema; every query below is plain, portable SQL written with
// "?" placeholders and rebound to "$1.." when the dialect is postgres, the
// same sqlx-style rebind the teacher's storage layer left as a TODO.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migpostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements store.Store over a *sql.DB, postgres or sqlite.
type Store struct {
	db      *sql.DB
	dialect string
	bus     *store.ChangeBus
	logger  zerolog.Logger
}

// New opens and migrates the backend named by cfg.Storage.Type ("postgres"
// or "sqlite").
func New(cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return open("postgres", cfg.Storage.PostgresURL, logger)
	case "sqlite":
		return open("sqlite", "file:"+cfg.Storage.SqlitePath, logger)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported storage type %q", cfg.Storage.Type)
	}
}

func open(dialect, dsn string, logger zerolog.Logger) (*Store, error) {
	driverName := "pgx"
	if dialect == "sqlite" {
		driverName = "sqlite3"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := configureSQLite(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: configure sqlite: %w", err)
		}
	}
	if err := migrateUp(db, dialect, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate %s: %w", dialect, err)
	}
	return &Store{db: db, dialect: dialect, bus: store.NewChangeBus(512), logger: logger}, nil
}

func configureSQLite(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func migrateUp(db *sql.DB, dialect string, logger zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	var dbDriver interface {
		Close() error
	}
	var m *migrate.Migrate
	switch dialect {
	case "postgres":
		d, err := migpostgres.WithInstance(db, &migpostgres.Config{})
		if err != nil {
			return err
		}
		dbDriver = d
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "pgx", d)
		if err != nil {
			return err
		}
	case "sqlite":
		d, err := migsqlite.WithInstance(db, &migsqlite.Config{})
		if err != nil {
			return err
		}
		dbDriver = d
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", d)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown dialect %q", dialect)
	}
	defer dbDriver.Close()
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	logger.Info().Str("dialect", dialect).Msg("schema migrated")
	return nil
}

// rebind rewrites "?" placeholders to "$1".."$n" for postgres; sqlite keeps
// "?" as written.
func (s *Store) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Changes() *store.ChangeBus { return s.bus }
func (s *Store) Close() error              { return s.db.Close() }
func (s *Store) IsReadOnly() bool          { return false }

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func nullTimeStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func timePtr(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
