package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
)

//go:embed *.sql
var migrationFiles embed.FS

const migrationsTableDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		applied_at TIMESTAMPTZ DEFAULT NOW(),
		checksum VARCHAR(64) NOT NULL
	)`

// Migration is an applied schema migration.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus pairs a bundled migration with its applied record, if any.
type MigrationStatus struct {
	Name    string
	Applied *Migration
}

// Migrator applies the bundled schema migrations in filename order.
type Migrator struct {
	db     *sqlx.DB
	files  fs.FS
	logger *logging.Logger
}

// NewMigrator creates a migrator for the embedded migrations.
func NewMigrator(db *sqlx.DB, logger *logging.Logger) *Migrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Migrator{db: db, files: migrationFiles, logger: logger.WithComponent("migrate")}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsTableDDL); err != nil {
		return scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to create migrations table", err)
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`
	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to read applied migrations", err).WithQuery(query)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

func (m *Migrator) listMigrations() ([]string, error) {
	var files []string
	err := fs.WalkDir(m.files, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to list migration files", err)
	}
	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".sql")
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) apply(ctx context.Context, file string) error {
	content, err := fs.ReadFile(m.files, file)
	if err != nil {
		return scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to read migration "+file, err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to begin migration transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to execute migration "+file, err)
	}

	insert := `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insert, migrationName(file), checksum(content)); err != nil {
		return scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to record migration "+file, err).WithQuery(insert)
	}

	if err := tx.Commit(); err != nil {
		return scanerrors.WrapDatabaseError(scanerrors.CodeDatabaseMigration, "failed to commit migration "+file, err)
	}
	return nil
}

// Up applies every pending migration. A migration whose file changed after
// it was applied is reported but not re-run.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	files, err := m.listMigrations()
	if err != nil {
		return err
	}

	for _, file := range files {
		name := migrationName(file)
		if existing, ok := applied[name]; ok {
			if content, readErr := fs.ReadFile(m.files, file); readErr == nil && checksum(content) != existing.Checksum {
				m.logger.Warn("Applied migration differs from bundled file", "migration", name)
			}
			m.logger.Debug("Migration already applied", "migration", name)
			continue
		}

		m.logger.Info("Applying migration", "migration", name)
		if err := m.apply(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

// Status lists bundled migrations and whether each has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrations()
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		st := MigrationStatus{Name: migrationName(file)}
		if rec, ok := applied[st.Name]; ok {
			st.Applied = &rec
		}
		out = append(out, st)
	}
	return out, nil
}
