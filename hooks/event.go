package hooks

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/uptrace/bun"
)

// maxStatement caps the statement text attached to logs and spans
const maxStatement = 500

// Operation names the model operation a query runs for
type Operation struct {
	Model string // registered model name
	Op    string // manager method, e.g. "Create"
}

type operationKey struct{}

// WithOperation marks ctx so the queries run with it are attributed to op
func WithOperation(ctx context.Context, op Operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFrom returns the operation ctx was marked with
func OperationFrom(ctx context.Context) (Operation, bool) {
	op, ok := ctx.Value(operationKey{}).(Operation)
	return op, ok
}

var statementKinds = []string{
	"SELECT", "INSERT", "UPDATE", "DELETE",
	"CREATE", "DROP", "ALTER",
	"BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE",
}

// OperationType returns the lower-cased leading keyword of a statement, or
// "other". WITH queries report the statement they end in.
func OperationType(query string) string {
	query = strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(query, "WITH") {
		if i := strings.LastIndex(query, ") "); i >= 0 {
			query = strings.TrimSpace(query[i+1:])
		}
	}
	for _, kind := range statementKinds {
		if strings.HasPrefix(query, kind) {
			return strings.ToLower(kind)
		}
	}
	return "other"
}

// QueryTable returns the table a bun query runs against, "" for raw SQL
func QueryTable(event *bun.QueryEvent) string {
	if event.IQuery == nil {
		return ""
	}
	return strings.Trim(event.IQuery.GetTableName(), `"`)
}

func truncate(query string) string {
	if len(query) <= maxStatement {
		return query
	}
	cut := maxStatement
	for cut > 0 && !utf8.RuneStart(query[cut]) {
		cut--
	}
	return query[:cut] + "..."
}
