package modelkit

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, cfgs ...func(*RegistryConfig)) *Registry {
	t.Helper()
	cfg := DefaultRegistryConfig()
	for _, fn := range cfgs {
		fn(&cfg)
	}
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func mustBuild(t *testing.T, r *Registry, def Definition) *Model {
	t.Helper()
	m, err := r.Build(def)
	if err != nil {
		t.Fatalf("Build(%s) failed: %v", def.Name, err)
	}
	return m
}

func columnNames(cols []*Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// newMockDB returns a bun.DB over sqlmock, checking expectations on cleanup
func newMockDB(t *testing.T) (*bun.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := bun.NewDB(sqlDB, pgdialect.New())
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func newTestManager(t *testing.T, m *Model, opts ...ManagerOption) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	opts = append([]ManagerOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	mgr, err := NewManager(db, m, opts...)
	require.NoError(t, err)
	return mgr, mock
}

// escape quotes a query fragment for sqlmock's regexp matcher
func escape(query string) string {
	return regexp.QuoteMeta(strings.TrimSpace(query))
}

func userDefinition() Definition {
	return Definition{
		Name: "User",
		Columns: []*Column{
			Col("email", TypeString).NotNullable().WithUnique(),
			Col("name", TypeString),
		},
		Meta: MetaBlock{OptRepr: []string{"id", "email"}},
	}
}
