package modelkit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/uptrace/bun"
)

// Migration represents a single migration to execute
type Migration struct {
	ID          string // Unique identifier (e.g., "001", "20240115120000", or any string)
	Description string // Human-readable description
	SQL         string // SQL statements to execute
}

// MigrationResult represents the result of running migrations
type MigrationResult struct {
	Applied   []AppliedMigration
	Skipped   []string // IDs that were already applied
	TotalTime time.Duration
}

// AppliedMigration represents a successfully applied migration
type AppliedMigration struct {
	ID          string        `json:"id" yaml:"id"`
	Description string        `json:"description" yaml:"description"`
	AppliedAt   time.Time     `json:"applied_at" yaml:"applied_at"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	Checksum    string        `json:"checksum" yaml:"checksum"`
}

// MigrationStatusEntry represents the status of a single migration
type MigrationStatusEntry struct {
	ID            string `json:"id" yaml:"id"`
	Description   string `json:"description" yaml:"description"`
	Checksum      string `json:"checksum" yaml:"checksum"`
	Applied       bool   `json:"applied" yaml:"applied"`
	ChecksumMatch bool   `json:"checksum_match" yaml:"checksum_match"` // Only relevant if Applied is true
}

// MigrationsTable is the table tracking applied migrations
const MigrationsTable = "_modelkit_migrations"

var migrationsTableDDL = `
CREATE TABLE IF NOT EXISTS ` + MigrationsTable + ` (
    id VARCHAR(255) PRIMARY KEY,
    description TEXT,
    checksum VARCHAR(64) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    duration_ms BIGINT NOT NULL
);
`

// Migrator applies SQL migrations to a database, each in its own
// transaction, and records them in MigrationsTable.
type Migrator struct {
	db     bun.IDB
	logger *slog.Logger
}

// NewMigrator returns a migrator for db. A nil logger discards output.
func NewMigrator(db bun.IDB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Migrator{db: db, logger: logger}
}

// Migrator returns a migrator logging through the configured logger
func (db *DB) Migrator() *Migrator {
	return NewMigrator(db.DB, db.config.Logger)
}

// Migrate executes migrations in order, skipping already-applied ones
func (db *DB) Migrate(ctx context.Context, migrations []Migration) (*MigrationResult, error) {
	return db.Migrator().Migrate(ctx, migrations)
}

// MigrationStatus returns the status of all known migrations
func (db *DB) MigrationStatus(ctx context.Context, migrations []Migration) ([]MigrationStatusEntry, error) {
	return db.Migrator().Status(ctx, migrations)
}

// GetAppliedMigrations returns all migrations that have been applied
func (db *DB) GetAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	return db.Migrator().Applied(ctx)
}

func (mr *Migrator) ensureTable(ctx context.Context, op string) error {
	if _, err := mr.db.ExecContext(ctx, migrationsTableDDL); err != nil {
		return &Error{
			Code:    CodeUnknown,
			Message: "failed to create migrations table",
			Op:      op,
			Table:   MigrationsTable,
			Cause:   err,
		}
	}
	return nil
}

// Migrate executes migrations in order, skipping already-applied ones. A
// changed migration that was already applied is an error.
func (mr *Migrator) Migrate(ctx context.Context, migrations []Migration) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{
		Applied: make([]AppliedMigration, 0),
		Skipped: make([]string, 0),
	}

	if err := mr.ensureTable(ctx, "Migrate"); err != nil {
		return nil, err
	}

	applied, err := mr.checksums(ctx)
	if err != nil {
		return nil, err
	}

	for _, m := range migrations {
		checksum := checksumSQL(m.SQL)

		if existing, ok := applied[m.ID]; ok {
			if existing != checksum {
				return nil, &Error{
					Code:    CodeUnknown,
					Message: fmt.Sprintf("migration %s has changed (checksum mismatch: expected %s, got %s)", m.ID, existing, checksum),
					Op:      "Migrate",
				}
			}
			result.Skipped = append(result.Skipped, m.ID)
			continue
		}

		migrationStart := time.Now()
		if err := mr.apply(ctx, m, checksum, migrationStart); err != nil {
			return nil, err
		}
		duration := time.Since(migrationStart)

		mr.logger.InfoContext(ctx, "migration applied",
			slog.String("id", m.ID),
			slog.String("description", m.Description),
			slog.Duration("duration", duration),
		)
		result.Applied = append(result.Applied, AppliedMigration{
			ID:          m.ID,
			Description: m.Description,
			AppliedAt:   time.Now(),
			Duration:    duration,
			Checksum:    checksum,
		})
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

// checksums returns a map of migration ID to checksum
func (mr *Migrator) checksums(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		ID       string `bun:"id"`
		Checksum string `bun:"checksum"`
	}

	err := mr.db.NewSelect().
		Table(MigrationsTable).
		Column("id", "checksum").
		Scan(ctx, &rows)

	if err != nil {
		return nil, wrapError(err, "Migrate.GetApplied")
	}

	result := make(map[string]string, len(rows))
	for _, row := range rows {
		result[row.ID] = row.Checksum
	}
	return result, nil
}

// apply executes a single migration within a transaction
func (mr *Migrator) apply(ctx context.Context, m Migration, checksum string, startTime time.Time) error {
	return mr.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return &Error{
				Code:    CodeUnknown,
				Message: fmt.Sprintf("migration %s failed: %v", m.ID, err),
				Op:      "Migrate.Apply",
				Query:   truncateSQL(m.SQL, 200),
				Cause:   err,
			}
		}

		durationMs := time.Since(startTime).Milliseconds()

		_, err := tx.NewRaw(
			"INSERT INTO ? (id, description, checksum, duration_ms) VALUES (?, ?, ?, ?)",
			bun.Ident(MigrationsTable), m.ID, m.Description, checksum, durationMs,
		).Exec(ctx)
		if err != nil {
			return wrapError(err, "Migrate.Record")
		}
		return nil
	})
}

// Status returns the status of all known migrations
func (mr *Migrator) Status(ctx context.Context, migrations []Migration) ([]MigrationStatusEntry, error) {
	if err := mr.ensureTable(ctx, "MigrationStatus"); err != nil {
		return nil, err
	}

	applied, err := mr.checksums(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]MigrationStatusEntry, 0, len(migrations))
	for _, m := range migrations {
		checksum := checksumSQL(m.SQL)
		entry := MigrationStatusEntry{
			ID:          m.ID,
			Description: m.Description,
			Checksum:    checksum,
		}

		if appliedChecksum, ok := applied[m.ID]; ok {
			entry.Applied = true
			entry.ChecksumMatch = appliedChecksum == checksum
		}

		result = append(result, entry)
	}

	return result, nil
}

// Applied returns all migrations that have been applied, oldest first
func (mr *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := mr.ensureTable(ctx, "GetAppliedMigrations"); err != nil {
		return nil, err
	}

	var rows []struct {
		ID          string    `bun:"id"`
		Description string    `bun:"description"`
		Checksum    string    `bun:"checksum"`
		AppliedAt   time.Time `bun:"applied_at"`
		DurationMs  int64     `bun:"duration_ms"`
	}

	err := mr.db.NewSelect().
		Table(MigrationsTable).
		Column("id", "description", "checksum", "applied_at", "duration_ms").
		OrderExpr("applied_at ASC").
		Scan(ctx, &rows)

	if err != nil {
		return nil, wrapError(err, "GetAppliedMigrations")
	}

	result := make([]AppliedMigration, len(rows))
	for i, row := range rows {
		result[i] = AppliedMigration{
			ID:          row.ID,
			Description: row.Description,
			AppliedAt:   row.AppliedAt,
			Duration:    time.Duration(row.DurationMs) * time.Millisecond,
			Checksum:    row.Checksum,
		}
	}

	return result, nil
}

// LoadMigrations reads the <id>_<slug>.sql files of dir in lexical order.
// The description is taken from a leading "-- " comment line, else from
// the slug.
func LoadMigrations(dir string) ([]Migration, error) {
	return loadMigrations(os.DirFS(dir))
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("modelkit: failed to list migrations: %w", err)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		base := strings.TrimSuffix(name, ".sql")
		id, slug, _ := strings.Cut(base, "_")
		if id == "" {
			return nil, fmt.Errorf("modelkit: migration file %s has no id", name)
		}
		if other, ok := seen[id]; ok {
			return nil, fmt.Errorf("modelkit: migration id %s used by %s and %s", id, other, name)
		}
		seen[id] = name

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("modelkit: failed to read migration %s: %w", name, err)
		}
		body := string(data)

		desc := strings.ReplaceAll(slug, "_", " ")
		if first, _, _ := strings.Cut(body, "\n"); strings.HasPrefix(first, "-- ") {
			desc = strings.TrimSpace(strings.TrimPrefix(first, "-- "))
		}
		out = append(out, Migration{ID: id, Description: desc, SQL: body})
	}
	return out, nil
}

var migrationTemplate = template.Must(template.New("migration").Parse(`-- {{ .Description }}
-- id: {{ .ID }}
-- created: {{ .Created.Format "2006-01-02 15:04:05" }}
{{ range .Statements }}
{{ . }};
{{ else }}
-- write your migration here
{{ end -}}
`))

// MigrationIDFormat is the timestamp layout of generated migration ids
const MigrationIDFormat = "20060102150405"

// NewMigration renders a migration with the given statements, identified by
// the UTC timestamp of now
func NewMigration(description string, statements []string, now time.Time) (Migration, error) {
	now = now.UTC()
	data := struct {
		ID          string
		Description string
		Created     time.Time
		Statements  []string
	}{
		ID:          now.Format(MigrationIDFormat),
		Description: description,
		Created:     now,
		Statements:  statements,
	}

	var buf bytes.Buffer
	if err := migrationTemplate.Execute(&buf, data); err != nil {
		return Migration{}, fmt.Errorf("modelkit: failed to render migration: %w", err)
	}
	return Migration{ID: data.ID, Description: description, SQL: buf.String()}, nil
}

// GenerateMigration renders the DDL of every model mapped by mapper as a
// new migration. Models still pending in registry are an error: finalize
// first.
func GenerateMigration(registry *Registry, mapper *BunMapper, description string, now time.Time) (Migration, error) {
	if n := registry.Stats().Pending; n > 0 {
		return Migration{}, &Error{
			Code:    CodeConfiguration,
			Message: fmt.Sprintf("%d models pending finalization", n),
			Op:      "GenerateMigration",
			Cause:   ErrInvalidConfig,
		}
	}
	stmts, err := mapper.Statements()
	if err != nil {
		return Migration{}, err
	}
	return NewMigration(description, stmts, now)
}

// WriteMigration writes m to dir as <id>_<slug>.sql and returns the path
func WriteMigration(dir string, m Migration) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("modelkit: failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, m.ID+"_"+slugify(m.Description)+".sql")
	if err := os.WriteFile(path, []byte(m.SQL), 0o644); err != nil {
		return "", fmt.Errorf("modelkit: failed to write migration: %w", err)
	}
	return path, nil
}

func slugify(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(words) == 0 {
		return "migration"
	}
	return strings.Join(words, "_")
}

// checksumSQL creates a SHA256 checksum of SQL content
func checksumSQL(sql string) string {
	hash := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(hash[:])
}

// truncateSQL truncates SQL for error messages
func truncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen {
		return sql
	}
	return sql[:maxLen] + "..."
}
