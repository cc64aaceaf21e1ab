package modelkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// QueryOption narrows the rows a Manager reads
type QueryOption func(*queryOptions)

type queryOptions struct {
	withDeleted bool
	onlyDeleted bool
	order       []string
	limit       int
	offset      int
	where       []rawWhere
}

type rawWhere struct {
	query string
	args  []any
}

// WithDeleted includes soft-deleted rows
func WithDeleted() QueryOption {
	return func(o *queryOptions) { o.withDeleted = true }
}

// OnlyDeleted returns soft-deleted rows only
func OnlyDeleted() QueryOption {
	return func(o *queryOptions) { o.onlyDeleted = true }
}

// OrderBy sorts by columns; a leading "-" sorts descending
func OrderBy(columns ...string) QueryOption {
	return func(o *queryOptions) { o.order = append(o.order, columns...) }
}

// Limit caps the number of rows
func Limit(n int) QueryOption {
	return func(o *queryOptions) { o.limit = n }
}

// Offset skips rows
func Offset(n int) QueryOption {
	return func(o *queryOptions) { o.offset = n }
}

// Where adds a raw condition, with bun placeholders
//
//	mgr.Filter(ctx, nil, modelkit.Where("age > ?", 18))
func Where(query string, args ...any) QueryOption {
	return func(o *queryOptions) { o.where = append(o.where, rawWhere{query: query, args: args}) }
}

func applyQueryOptions(opts []QueryOption) *queryOptions {
	o := &queryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// tableOf returns the table of m's layout holding column
func (m *Model) tableOf(column string) string {
	for _, l := range m.layout() {
		if findColumn(l.columns, column) != nil {
			return l.table
		}
	}
	return m.table
}

// newSelect builds the SELECT reading m's rows: its own table or the join
// of its table chain, scoped by filters, soft delete, tenant and polymorphic
// identity.
func (mg *Manager) newSelect(ctx context.Context, filters map[string]any, o *queryOptions) (*bun.SelectQuery, error) {
	m := mg.model
	layout := m.layout()

	q := mg.db.NewSelect().Table(layout[0].table)
	if len(layout) > 1 {
		for _, l := range layout[1:] {
			for _, c := range l.columns {
				if !c.PrimaryKey || c.ForeignKey == nil {
					continue
				}
				q = q.Join("JOIN ? ON ?.? = ?.?",
					bun.Ident(l.table),
					bun.Ident(l.table), bun.Ident(c.Name),
					bun.Ident(c.ForeignKey.Table), bun.Ident(c.ForeignKey.Column),
				)
				break
			}
		}
		for _, c := range m.AllColumns() {
			q = q.ColumnExpr("?.?", bun.Ident(m.tableOf(c.Name)), bun.Ident(c.Name))
		}
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m.Column(k) == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.name, k)
		}
		q = whereColumn(q, m.tableOf(k), k, normalize(filters[k]))
	}

	if col := mg.column(OptDeletedAt); col != "" {
		switch {
		case o.onlyDeleted:
			q = q.Where("?.? IS NOT NULL", bun.Ident(m.tableOf(col)), bun.Ident(col))
		case !o.withDeleted:
			q = q.Where("?.? IS NULL", bun.Ident(m.tableOf(col)), bun.Ident(col))
		}
	}

	col, tenantID, err := tenantFor(ctx, m)
	if err != nil {
		return nil, err
	}
	if col != "" {
		q = q.Where("?.? = ?", bun.Ident(m.tableOf(col)), bun.Ident(col), tenantID)
	}

	if m.inherit == inheritSingle {
		if on, _ := m.discriminator(); on != "" {
			q = q.Where("?.? IN (?)", bun.Ident(m.tableOf(on)), bun.Ident(on), bun.In(mg.identities()))
		}
	}

	for _, w := range o.where {
		q = q.Where(w.query, w.args...)
	}
	for _, ord := range o.order {
		name, desc := strings.CutPrefix(ord, "-")
		if m.Column(name) == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, m.name, name)
		}
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		q = q.OrderExpr("?.? "+dir, bun.Ident(m.tableOf(name)), bun.Ident(name))
	}
	if o.limit > 0 {
		q = q.Limit(o.limit)
	}
	if o.offset > 0 {
		q = q.Offset(o.offset)
	}
	return q, nil
}

func whereColumn(q *bun.SelectQuery, table, column string, value any) *bun.SelectQuery {
	switch {
	case value == nil:
		return q.Where("?.? IS NULL", bun.Ident(table), bun.Ident(column))
	case isList(value):
		return q.Where("?.? IN (?)", bun.Ident(table), bun.Ident(column), bun.In(value))
	}
	return q.Where("?.? = ?", bun.Ident(table), bun.Ident(column), value)
}

func isList(v any) bool {
	if _, ok := v.([]byte); ok {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// identities returns the polymorphic identities of the manager's model and
// every registered model extending it
func (mg *Manager) identities() []string {
	ids := []string{mg.model.Identity()}
	if mg.model.registry == nil {
		return ids
	}
	for _, other := range mg.model.registry.Models() {
		if other != mg.model && other.IsA(mg.model) && other.Identity() != "" {
			ids = append(ids, other.Identity())
		}
	}
	return ids
}

// scan runs q and wraps every row in an instance of the model it belongs to
func (mg *Manager) scan(ctx context.Context, q *bun.SelectQuery, op string) ([]*Instance, error) {
	var rows []map[string]any
	if err := q.Scan(ctx, &rows); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mg.wrap(err, op)
	}
	out := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, mg.rowModel(row).load(row))
	}
	return out, nil
}

// rowModel picks the registered model whose identity the row's
// discriminator holds. Rows of joined subclasses stay instances of the
// queried model since only its tables were read.
func (mg *Manager) rowModel(row map[string]any) *Model {
	m := mg.model
	on, _ := m.discriminator()
	if on == "" || len(m.layout()) > 1 || m.registry == nil {
		return m
	}
	id, _ := row[on].(string)
	if id == "" || id == m.Identity() {
		return m
	}
	for _, other := range m.registry.Models() {
		if other.IsA(m) && other.Identity() == id && other.Table() == m.Table() {
			return other
		}
	}
	return m
}
