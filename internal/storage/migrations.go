package storage

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one versioned schema change loaded from the embedded
// migrations directory.
type Migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// MigrationRunner applies pending migrations in version order.
type MigrationRunner struct {
	db *sql.DB
}

func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Migrate enables WAL mode and applies every migration that has not been
// recorded in schema_migrations yet. A checksum mismatch on an already
// applied version is a hard error.
func (mr *MigrationRunner) Migrate() error {
	if _, err := mr.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := mr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if err := mr.apply(migration); err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		digest := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  strings.SplitN(entry.Name(), "_", 2)[0],
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: hex.EncodeToString(digest[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (mr *MigrationRunner) apply(migration Migration) error {
	var existing string
	err := mr.db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?",
		migration.Version,
	).Scan(&existing)

	switch {
	case err == nil:
		if existing != migration.Checksum {
			return fmt.Errorf("checksum mismatch: recorded %s, file %s", existing, migration.Checksum)
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		// not applied yet
	default:
		return fmt.Errorf("check migration status: %w", err)
	}

	if _, err := mr.db.Exec(migration.Content); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}

	if _, err := mr.db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		migration.Version, migration.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}
