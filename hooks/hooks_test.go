package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newHookedDB(t *testing.T, hook bun.QueryHook) (*bun.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := bun.NewDB(sqlDB, pgdialect.New())
	db.AddQueryHook(hook)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

// selectUsers runs a select on "user" marked as a User.Filter operation
func selectUsers(t *testing.T, db *bun.DB, mock sqlmock.Sqlmock, fail bool) {
	t.Helper()
	expect := mock.ExpectQuery(`SELECT \* FROM "user"`)
	if fail {
		expect.WillReturnError(errors.New("relation does not exist"))
	} else {
		expect.WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	}

	ctx := WithOperation(context.Background(), Operation{Model: "User", Op: "Filter"})
	var rows []map[string]any
	err := db.NewSelect().Table("user").Scan(ctx, &rows)
	if fail {
		require.Error(t, err)
	} else {
		require.NoError(t, err)
	}
}

func TestOperationType(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{`SELECT * FROM "user"`, "select"},
		{"  insert into t values (1)", "insert"},
		{`UPDATE "user" SET "name" = 'x'`, "update"},
		{`DELETE FROM "user"`, "delete"},
		{`CREATE TABLE IF NOT EXISTS "user" ()`, "create"},
		{"DROP TABLE t", "drop"},
		{"ALTER TABLE t ADD COLUMN c int", "alter"},
		{"BEGIN", "begin"},
		{"COMMIT", "commit"},
		{"ROLLBACK", "rollback"},
		{"SAVEPOINT sp1", "savepoint"},
		{"RELEASE SAVEPOINT sp1", "release"},
		{`WITH "recent" AS (SELECT 1) DELETE FROM "user"`, "delete"},
		{"VACUUM", "other"},
	}
	for _, tt := range tests {
		if got := OperationType(tt.query); got != tt.want {
			t.Errorf("OperationType(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestWithOperation(t *testing.T) {
	if _, ok := OperationFrom(context.Background()); ok {
		t.Error("An unmarked context carries no operation")
	}
	ctx := WithOperation(context.Background(), Operation{Model: "User", Op: "Create"})
	op, ok := OperationFrom(ctx)
	if !ok || op.Model != "User" || op.Op != "Create" {
		t.Errorf("Unexpected operation %+v", op)
	}
}

func TestTruncate(t *testing.T) {
	short := "SELECT 1"
	if truncate(short) != short {
		t.Error("short statements are kept")
	}
	if got := truncate(strings.Repeat("x", 600)); len(got) != maxStatement+3 {
		t.Errorf("Expected %d chars, got %d", maxStatement+3, len(got))
	}

	// the cut at maxStatement falls inside a two byte rune
	got := truncate("x" + strings.Repeat("é", 300))
	if !utf8.ValidString(got) {
		t.Errorf("Expected valid UTF-8, got %q", got[len(got)-8:])
	}
	if len(got) != maxStatement-1+3 {
		t.Errorf("Expected the cut moved back to the rune start, got %d bytes", len(got))
	}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLoggerHook_Verbose(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	db, mock := newHookedDB(t, NewLoggerHook(logger, true, 0))

	selectUsers(t, db, mock, false)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, "database query", lines[0]["msg"])
	assert.Equal(t, "select", lines[0]["operation"])
	assert.Equal(t, "user", lines[0]["table"])
	assert.Equal(t, "User", lines[0]["model"])
	assert.Equal(t, "Filter", lines[0]["op"])
	assert.Contains(t, lines[0]["query"], `FROM "user"`)
}

func TestLoggerHook_QuietLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	db, mock := newHookedDB(t, NewLoggerHook(logger, false, time.Hour))

	selectUsers(t, db, mock, false)
	assert.Empty(t, buf.String(), "fast queries are not logged")

	selectUsers(t, db, mock, true)
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, "relation does not exist", lines[0]["error"])
	assert.Nil(t, lines[0]["query"], "the statement is only logged when verbose or slow")
}

func TestLoggerHook_Slow(t *testing.T) {
	var buf bytes.Buffer
	hook := NewLoggerHook(slog.New(slog.NewJSONHandler(&buf, nil)), false, time.Second)
	start := time.Now()
	hook.now = func() time.Time { return start.Add(2 * time.Second) }

	hook.AfterQuery(context.Background(), &bun.QueryEvent{Query: "SELECT pg_sleep(2)", StartTime: start})

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "slow database query", lines[0]["msg"])
	assert.Equal(t, "SELECT pg_sleep(2)", lines[0]["query"])
	assert.Nil(t, lines[0]["table"], "raw statements have no table")
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, err := NewMetricsHook(reg)
	require.NoError(t, err)
	db, mock := newHookedDB(t, hook)

	selectUsers(t, db, mock, false)
	selectUsers(t, db, mock, true)

	labels := map[string]string{"operation": "select", "table": "user", "model": "User"}
	assert.Equal(t, 2.0, counterValue(t, reg, "modelkit_queries_total", labels))
	assert.Equal(t, 1.0, counterValue(t, reg, "modelkit_query_errors_total", labels))
}

func TestMetricsHook_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetricsHook(reg)
	require.NoError(t, err)
	second, err := NewMetricsHook(reg)
	require.NoError(t, err)

	assert.Same(t, first.queryTotal, second.queryTotal, "the registered collectors are reused")
}

func TestRegistryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRegistryMetrics(reg)
	require.NoError(t, err)

	m.Registered("pending")
	m.Registered("initialized")
	m.Registered("initialized")
	m.Mapped(nil)
	m.Mapped(errors.New("boom"))
	m.Finalized(time.Now())

	assert.Equal(t, 2.0, counterValue(t, reg, "modelkit_models_registered_total", map[string]string{"state": "initialized"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "modelkit_models_mapped_total", map[string]string{"result": "error"}))

	var disabled *RegistryMetrics
	disabled.Registered("pending")
	disabled.Mapped(nil)
	disabled.Finalized(time.Now())
}

func TestTracingHook(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	db, mock := newHookedDB(t, NewTracingHook(tp.Tracer("modelkit-test")))

	selectUsers(t, db, mock, false)
	selectUsers(t, db, mock, true)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "User.Filter", ok.Name())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	attrs := attribute.NewSet(ok.Attributes()...)
	table, _ := attrs.Value("db.sql.table")
	assert.Equal(t, "user", table.AsString())
	model, _ := attrs.Value("modelkit.model")
	assert.Equal(t, "User", model.AsString())

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "relation does not exist", failed.Status().Description)
}

func TestTracingHook_RawQueries(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	hook := NewTracingHook(tp.Tracer("modelkit-test"))

	event := &bun.QueryEvent{Query: "VACUUM"}
	ctx := hook.BeforeQuery(context.Background(), event)
	hook.AfterQuery(ctx, event)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "db.other", spans[0].Name())
}

func TestTracingHook_NilTracer(t *testing.T) {
	hook := NewTracingHook(nil)
	ctx := context.Background()
	if got := hook.BeforeQuery(ctx, &bun.QueryEvent{}); got != ctx {
		t.Error("Without a tracer the context is returned unchanged")
	}
	hook.AfterQuery(ctx, &bun.QueryEvent{})
}
