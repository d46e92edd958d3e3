package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one numbered SQL file, e.g. 001_billing.sql.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	// Drifted is set when the file changed after it was applied.
	Drifted bool
}

// Migrator applies the SQL files in dir to a schema. Each migration runs in
// its own transaction under an advisory lock scoped to the schema, so
// concurrent runners do not apply the same file twice.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, dir: migrationsDir}
}

func (m *Migrator) ensureTable(ctx context.Context, schema string) error {
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s.schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema)
	if _, err := m.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema_migrations in %s: %w", schema, err)
	}
	return nil
}

// LoadMigrations reads the .sql files whose names start with a numeric
// version and returns them in version order. Duplicate versions are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

func (m *Migrator) applied(ctx context.Context, schema string) (map[int]appliedMigration, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s.schema_migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[int]appliedMigration)
	for rows.Next() {
		var v int
		var a appliedMigration
		if err := rows.Scan(&v, &a.checksum, &a.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		out[v] = a
	}
	return out, rows.Err()
}

// Up applies every pending migration and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations up to and including target. A target of 0
// means all of them.
func (m *Migrator) UpTo(ctx context.Context, schema string, target int) (int, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if target > 0 && mig.Version > target {
			break
		}
		ran, err := m.apply(ctx, schema, mig)
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		if ran {
			count++
		}
	}
	return count, nil
}

func lockID(schema string) int64 {
	h := fnv.New64a()
	h.Write([]byte("migrate:" + schema))
	return int64(h.Sum64())
}

// apply runs mig unless another runner already recorded it.
func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) (bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID(schema)); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s.schema_migrations WHERE version = $1)", schema),
		mig.Version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
		return false, fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return false, fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)",
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}
	return true, tx.Commit(ctx)
}

// Status lists every known migration with whether it has been applied.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, schema)
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, applied), nil
}

func statusOf(migrations []Migration, applied map[int]appliedMigration) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if a, ok := applied[mig.Version]; ok {
			at := a.appliedAt
			st.Applied = true
			st.AppliedAt = &at
			st.Drifted = a.checksum != mig.Checksum
		}
		statuses = append(statuses, st)
	}
	return statuses
}
