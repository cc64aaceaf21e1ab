package modelkit

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/uptrace/bun"
)

// Mapper receives every model the registry initializes
type Mapper interface {
	Map(m *Model) error
}

// NopMapper accepts every model and does nothing
type NopMapper struct{}

func (NopMapper) Map(*Model) error { return nil }

// MapperFunc adapts a function to a Mapper
type MapperFunc func(*Model) error

func (f MapperFunc) Map(m *Model) error { return f(m) }

// BunMapper maps models onto bun. Each table gets a generated struct type
// registered with the bun.DB; single-table children add their columns to
// the table of their base.
type BunMapper struct {
	db *bun.DB

	mu     sync.Mutex
	tables map[string]*mappedTable
	order  []string
}

type mappedTable struct {
	name    string
	owner   *Model
	models  []*Model
	columns []*Column
	pk      []string
	groups  map[string]string // column -> unique constraint
	indexes []Index
	typ     reflect.Type
}

// NewBunMapper returns a mapper registering models with db
func NewBunMapper(db *bun.DB) *BunMapper {
	return &BunMapper{
		db:     db,
		tables: make(map[string]*mappedTable),
	}
}

// Map registers the table m's own columns live in
func (bm *BunMapper) Map(m *Model) error {
	layout := m.layout()
	own := layout[len(layout)-1]

	bm.mu.Lock()
	defer bm.mu.Unlock()

	t, ok := bm.tables[own.table]
	if !ok {
		t = &mappedTable{name: own.table, owner: own.owner, groups: make(map[string]string)}
		bm.tables[own.table] = t
		bm.order = append(bm.order, own.table)
	}
	if !slices.Contains(t.models, m) {
		t.models = append(t.models, m)
	}
	for _, c := range own.columns {
		if findColumn(t.columns, c.Name) == nil {
			t.columns = append(t.columns, c)
		}
	}
	for _, name := range m.primaryKey {
		if !slices.Contains(t.pk, name) {
			t.pk = append(t.pk, name)
		}
	}
	for _, u := range m.uniques {
		for _, c := range u.Columns {
			if _, ok := t.groups[c]; !ok {
				t.groups[c] = u.Name
			}
		}
	}
	for _, idx := range m.indexes {
		if !slices.ContainsFunc(t.indexes, func(i Index) bool { return i.Name == idx.Name }) {
			t.indexes = append(t.indexes, idx)
		}
	}

	typ, err := t.structType()
	if err != nil {
		return err
	}
	t.typ = typ
	bm.db.RegisterModel(reflect.New(typ).Interface())
	return nil
}

// Type returns the struct type generated for table
func (bm *BunMapper) Type(table string) (reflect.Type, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	t, ok := bm.tables[table]
	if !ok {
		return nil, false
	}
	return t.typ, true
}

// Tables returns the mapped tables in mapping order
func (bm *BunMapper) Tables() []string {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return append([]string(nil), bm.order...)
}

// CreateTableSQL renders the DDL of the table m's own columns live in:
// CREATE TABLE with its foreign keys, then its indexes.
func (bm *BunMapper) CreateTableSQL(m *Model) ([]string, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	t, ok := bm.tables[m.Table()]
	if !ok {
		return nil, &Error{Code: CodeConfiguration, Message: "model is not mapped", Op: "CreateTableSQL", Model: m.Name(), Table: m.Table()}
	}
	return bm.tableSQL(t)
}

// Statements renders the DDL of every mapped table in mapping order
func (bm *BunMapper) Statements() ([]string, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var out []string
	for _, name := range bm.order {
		stmts, err := bm.tableSQL(bm.tables[name])
		if err != nil {
			return nil, err
		}
		out = append(out, stmts...)
	}
	return out, nil
}

// CreateTables executes the DDL of every mapped table on db
func (bm *BunMapper) CreateTables(ctx context.Context, db bun.IDB) error {
	stmts, err := bm.Statements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return wrapError(err, "CreateTables")
		}
	}
	return nil
}

func (bm *BunMapper) tableSQL(t *mappedTable) ([]string, error) {
	q := bm.db.NewCreateTable().Model(reflect.New(t.typ).Interface()).IfNotExists()
	for _, c := range t.columns {
		fk := c.ForeignKey
		if fk == nil || !fk.Resolved() {
			continue
		}
		expr := "(?) REFERENCES ? (?)"
		for _, action := range []struct{ clause, value string }{{"ON DELETE", fk.OnDelete}, {"ON UPDATE", fk.OnUpdate}} {
			if action.value == "" {
				continue
			}
			a, err := referentialAction(action.value)
			if err != nil {
				return nil, configErrorf(t.owner.Name(), c.Name, "%v", err)
			}
			expr += " " + action.clause + " " + a
		}
		q = q.ForeignKey(expr, bun.Ident(c.Name), bun.Ident(fk.Table), bun.Ident(fk.Column))
	}

	gen := bm.db.QueryGen()
	b, err := q.AppendQuery(gen, nil)
	if err != nil {
		return nil, fmt.Errorf("modelkit: failed to render table %s: %w", t.name, err)
	}
	stmts := []string{string(b)}

	for _, idx := range t.indexes {
		iq := bm.db.NewCreateIndex().
			Table(t.name).
			Index(idx.Name).
			Column(idx.Columns...).
			IfNotExists()
		if idx.Unique {
			iq = iq.Unique()
		}
		b, err := iq.AppendQuery(gen, nil)
		if err != nil {
			return nil, fmt.Errorf("modelkit: failed to render index %s: %w", idx.Name, err)
		}
		stmts = append(stmts, string(b))
	}
	return stmts, nil
}

func referentialAction(action string) (string, error) {
	a := strings.ToUpper(strings.TrimSpace(action))
	switch a {
	case "CASCADE", "RESTRICT", "SET NULL", "SET DEFAULT", "NO ACTION":
		return a, nil
	}
	return "", fmt.Errorf("unsupported referential action %q", action)
}

// structType builds the bun model struct for the table
func (t *mappedTable) structType() (typ reflect.Type, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("modelkit: cannot build model type for table %s: %v", t.name, r)
		}
	}()

	fields := []reflect.StructField{{
		Name:      "BaseModel",
		Anonymous: true,
		Type:      reflect.TypeOf(bun.BaseModel{}),
		Tag:       reflect.StructTag(fmt.Sprintf(`bun:"table:%s,alias:%s"`, t.name, t.name)),
	}}
	used := map[string]bool{"BaseModel": true}
	for _, c := range t.columns {
		if slices.Contains(t.pk, c.Name) && !c.PrimaryKey {
			c = c.Clone()
			c.PrimaryKey = true
		}
		fields = append(fields, reflect.StructField{
			Name: fieldName(c.Name, used),
			Type: c.Type.goType(),
			Tag:  reflect.StructTag(fmt.Sprintf(`bun:"%s"`, c.bunTag(t.groups[c.Name]))),
		})
	}
	return reflect.StructOf(fields), nil
}

// fieldName derives a unique exported Go identifier from a column name
func fieldName(column string, used map[string]bool) string {
	var b strings.Builder
	for _, r := range camelCase(column) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" || !unicode.IsUpper([]rune(name)[0]) {
		name = "F" + name
	}
	base := name
	for i := 2; used[name]; i++ {
		name = base + strconv.Itoa(i)
	}
	used[name] = true
	return name
}
