package migrations

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	// postgres driver for database/sql
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	log "github.com/freundallein/acm/backend/chassis/logging"
)

//go:embed sql/*.sql
var files embed.FS

// Migration - one embedded SQL file
type Migration struct {
	Version string
	SQL     string
}

// List returns embedded migrations ordered by version.
func List() ([]Migration, error) {
	names, err := fs.Glob(files, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(path.Base(name), ".sql"),
			SQL:     string(body),
		})
	}
	return migrations, nil
}

// Open ...
func Open(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// lockKey names the advisory lock held while migrating.
const lockKey int64 = 0x61636d6d696772

// Apply runs pending migrations, each in its own transaction. A session
// advisory lock keeps concurrent replicas from migrating at the same time.
func Apply(ctx context.Context, db *sql.DB) error {
	migrations, err := List()
	if err != nil {
		return err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return errors.Wrap(err, "lock migrations")
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, lockKey); err != nil {
			log.WithFields(log.Fields{
				"event": "migration_unlock_failed",
			}).Error(err)
		}
	}()

	_, err = conn.ExecContext(ctx, `create table if not exists schema_migrations (
		version text primary key,
		applied_at timestamptz not null default now()
	)`)
	if err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}
	for _, m := range migrations {
		var applied bool
		err := conn.QueryRowContext(ctx, `select exists (select 1 from schema_migrations where version = $1)`, m.Version).Scan(&applied)
		if err != nil {
			return errors.Wrapf(err, "check %s", m.Version)
		}
		if applied {
			log.WithFields(log.Fields{
				"event":   "migration_skipped",
				"version": m.Version,
			}).Debug("already applied")
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"event":   "migration_applied",
			"version": m.Version,
		}).Info("applied")
	}
	return nil
}

func apply(ctx context.Context, conn *sql.Conn, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.Version)
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "apply %s", m.Version)
	}
	if _, err := tx.ExecContext(ctx, `insert into schema_migrations(version) values ($1)`, m.Version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.Version)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.Version)
}
