package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"gopkg.in/yaml.v3"

	"github.com/fernandezvara/modelkit"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func widgets(r *modelkit.Registry) error {
	_, err := r.Build(modelkit.Definition{
		Name: "Widget",
		Columns: []*modelkit.Column{
			modelkit.Col("sku", modelkit.TypeString).NotNullable().WithUnique(),
		},
	})
	return err
}

// writeConfig writes a modelkit.yaml into a fresh directory and changes
// into it
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MODELKIT_DATABASE_URL", "")
	if body != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "modelkit.yaml"), []byte(body), 0o644))
	}
	return dir
}

func run(t *testing.T, args []string, opts ...Option) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadConfig_Defaults(t *testing.T) {
	writeConfig(t, "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "migrations", cfg.MigrationsDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQuery)
	assert.Equal(t, "id", cfg.PrimaryKey)
	assert.Equal(t, "integer", cfg.PrimaryKeyType)
	assert.False(t, cfg.LazyMapping)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	writeConfig(t, "migrations_dir: db/migrations\nslow_query: 1s\nprimary_key_type: uuid\nlazy_mapping: true\n")
	t.Setenv("MODELKIT_LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://fallback/db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "db/migrations", cfg.MigrationsDir)
	assert.Equal(t, time.Second, cfg.SlowQuery)
	assert.Equal(t, "uuid", cfg.PrimaryKeyType)
	assert.True(t, cfg.LazyMapping)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://fallback/db", cfg.DatabaseURL)
}

func TestLoadConfig_ExplicitPathMissing(t *testing.T) {
	writeConfig(t, "")
	_, err := LoadConfig("nope.yaml")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	// an unreadable config is never loaded
	writeConfig(t, "migrations_dir: [")

	out, err := run(t, []string{"version"})
	require.NoError(t, err)
	assert.Contains(t, out, "modelkit version: dev")
	assert.Contains(t, out, "Go version: go")
}

func TestRootCommand_ModelsRequiresDeclarations(t *testing.T) {
	root := NewRootCommand()
	for _, c := range root.Commands() {
		assert.NotEqual(t, "models", c.Name())
	}
	migrate, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)
	for _, c := range migrate.Commands() {
		assert.NotEqual(t, "autogenerate", c.Name(), "autogenerate needs models")
	}
}

func TestModelsCommand(t *testing.T) {
	writeConfig(t, "")

	out, err := run(t, []string{"models"}, WithModels(widgets))
	require.NoError(t, err)

	var listing modelListing
	require.NoError(t, yaml.Unmarshal([]byte(out), &listing))
	assert.Equal(t, 1, listing.Stats.Initialized)
	require.Len(t, listing.Models, 1)

	widget := listing.Models[0]
	assert.Equal(t, "Widget", widget.Name)
	assert.Equal(t, "widget", widget.Table)
	assert.Equal(t, "initialized", widget.State)
	assert.Equal(t, []string{"id"}, widget.PrimaryKey)

	var sku *columnSummary
	for i := range widget.Columns {
		if widget.Columns[i].Name == "sku" {
			sku = &widget.Columns[i]
		}
	}
	require.NotNil(t, sku)
	assert.True(t, sku.Unique)
	assert.False(t, sku.Nullable)
}

func TestModelsCommand_DeclarationError(t *testing.T) {
	writeConfig(t, "")

	_, err := run(t, []string{"models"}, WithModels(func(*modelkit.Registry) error {
		return assert.AnError
	}))
	require.ErrorIs(t, err, assert.AnError)
}

func TestMigrateNew(t *testing.T) {
	dir := writeConfig(t, "migrations_dir: out\n")

	out, err := run(t, []string{"migrate", "new", "add", "users"})
	require.NoError(t, err)

	path := filepath.Join("out", "20240301120000_add_users.sql")
	assert.Contains(t, out, "Created "+path)
	data, err := os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	assert.Contains(t, string(data), "-- add users\n")
	assert.Contains(t, string(data), "-- write your migration here")
}

func TestMigrateAutogenerate(t *testing.T) {
	writeConfig(t, "")

	_, err := run(t, []string{"migrate", "autogenerate", "initial"}, WithModels(widgets))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join("migrations", "20240301120000_initial.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `CREATE TABLE IF NOT EXISTS "widget"`)
}

func TestMigrateUp_NoFiles(t *testing.T) {
	writeConfig(t, "")

	out, err := run(t, []string{"migrate", "up"})
	require.NoError(t, err)
	assert.Contains(t, out, "No migration files found in migrations/")
}

func TestMigrateUp_RequiresURL(t *testing.T) {
	dir := writeConfig(t, "")
	writeMigrationFile(t, dir, "001_init.sql", "CREATE TABLE t ()")

	_, err := run(t, []string{"migrate", "up"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL not set")
}

func writeMigrationFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "migrations"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "migrations", name), []byte(body), 0o644))
}

// mockOpener wraps sqlmock instead of dialing the configured URL
func mockOpener(t *testing.T) (Opener, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mock.ExpectationsWereMet()) })

	return func(_ context.Context, cfg modelkit.Config) (*modelkit.DB, error) {
		assert.Equal(t, "postgres://localhost/app", cfg.URL)
		return modelkit.Wrap(bun.NewDB(sqlDB, pgdialect.New()), cfg)
	}, mock
}

func TestMigrateUp(t *testing.T) {
	dir := writeConfig(t, "database_url: postgres://localhost/app\n")
	writeMigrationFile(t, dir, "001_init.sql", "CREATE TABLE t ()")

	open, mock := mockOpener(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + modelkit.MigrationsTable).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT "id", "checksum"`).WillReturnRows(sqlmock.NewRows([]string{"id", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE t \(\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "` + modelkit.MigrationsTable + `"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	out, err := run(t, []string{"migrate", "up"}, WithOpener(open))
	require.NoError(t, err)
	assert.Contains(t, out, "Applied 001 init")
	assert.Contains(t, out, "Applied 1 migration(s)")
}

func TestMigrateStatus(t *testing.T) {
	dir := writeConfig(t, "database_url: postgres://localhost/app\n")
	writeMigrationFile(t, dir, "001_init.sql", "CREATE TABLE t ()")
	writeMigrationFile(t, dir, "002_more.sql", "CREATE TABLE u ()")

	open, mock := mockOpener(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + modelkit.MigrationsTable).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT "id", "checksum"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "checksum"}).AddRow("001", "stale"))
	mock.ExpectClose()

	out, err := run(t, []string{"migrate", "status"}, WithOpener(open))
	require.NoError(t, err)
	assert.Contains(t, out, "changed  001 init")
	assert.Contains(t, out, "pending  002 more")
	assert.Contains(t, out, "2 migration(s), 1 pending")
}
