package modelkit

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ColumnType is the SQL type of a column
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeBigInt    ColumnType = "bigint"
	TypeString    ColumnType = "varchar"
	TypeText      ColumnType = "text"
	TypeBoolean   ColumnType = "boolean"
	TypeFloat     ColumnType = "double precision"
	TypeNumeric   ColumnType = "numeric"
	TypeTimestamp ColumnType = "timestamptz"
	TypeDate      ColumnType = "date"
	TypeUUID      ColumnType = "uuid"
	TypeJSON      ColumnType = "jsonb"
	TypeBytes     ColumnType = "bytea"
)

// goType is the field type used for this column in mapped struct types.
// Scalars are pointers so NULL round-trips.
func (t ColumnType) goType() reflect.Type {
	switch t {
	case TypeInteger, TypeBigInt:
		return reflect.TypeOf((*int64)(nil))
	case TypeBoolean:
		return reflect.TypeOf((*bool)(nil))
	case TypeFloat, TypeNumeric:
		return reflect.TypeOf((*float64)(nil))
	case TypeTimestamp, TypeDate:
		return reflect.TypeOf((*time.Time)(nil))
	case TypeJSON:
		return reflect.TypeOf(map[string]any(nil))
	case TypeBytes:
		return reflect.TypeOf([]byte(nil))
	default:
		return reflect.TypeOf((*string)(nil))
	}
}

func (t ColumnType) autoIncrements() bool {
	return t == TypeInteger || t == TypeBigInt
}

// Column describes a table column
type Column struct {
	Name          string
	Type          ColumnType
	PrimaryKey    bool
	NotNull       bool
	Unique        bool
	AutoIncrement bool
	ServerDefault string // SQL expression, e.g. "current_timestamp"
	Default       any    // Client side default applied by Model.New
	UpdateNow     bool   // Set to the current time on every update
	ForeignKey    *ForeignKeyRef
	Validators    []Validator
}

// Col returns a nullable column of the given type
func Col(name string, typ ColumnType) *Column {
	return &Column{Name: name, Type: typ}
}

// NotNullable marks the column not null
func (c *Column) NotNullable() *Column {
	c.NotNull = true
	return c
}

// WithDefault sets a client side default
func (c *Column) WithDefault(v any) *Column {
	c.Default = v
	return c
}

// WithServerDefault sets an SQL default expression
func (c *Column) WithServerDefault(expr string) *Column {
	c.ServerDefault = expr
	return c
}

// WithUnique marks the column unique
func (c *Column) WithUnique() *Column {
	c.Unique = true
	return c
}

// Validate appends validators to the column
func (c *Column) Validate(vs ...Validator) *Column {
	c.Validators = append(c.Validators, vs...)
	return c
}

// HasDefault reports whether the database or the client fills the column when unset
func (c *Column) HasDefault() bool {
	return c.Default != nil || c.ServerDefault != "" || c.AutoIncrement
}

// Clone returns a deep copy of c, used when columns are copied onto a subclass
func (c *Column) Clone() *Column {
	cp := *c
	if c.ForeignKey != nil {
		fk := *c.ForeignKey
		cp.ForeignKey = &fk
	}
	cp.Validators = append([]Validator(nil), c.Validators...)
	return &cp
}

func (c *Column) String() string {
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// bunTag renders the bun struct tag for c; group names the composite
// unique constraint c belongs to, if any.
func (c *Column) bunTag(group string) string {
	parts := []string{c.Name}
	if c.PrimaryKey {
		parts = append(parts, "pk")
	}
	if c.AutoIncrement {
		parts = append(parts, "autoincrement")
	}
	if c.NotNull && !c.PrimaryKey {
		parts = append(parts, "notnull")
	}
	switch {
	case group != "":
		parts = append(parts, "unique:"+group)
	case c.Unique:
		parts = append(parts, "unique")
	}
	if c.AutoIncrement {
		// pgdialect only swaps in SERIAL/BIGSERIAL for the canonical names
		parts = append(parts, "type:"+strings.ToUpper(string(c.Type)))
	} else {
		parts = append(parts, "type:"+string(c.Type))
	}
	if c.ServerDefault != "" {
		parts = append(parts, "default:"+c.ServerDefault)
	}
	if c.Type == TypeJSON {
		parts = append(parts, "nullzero")
	}
	return strings.Join(parts, ",")
}

// Index is a (possibly unique) index over several columns
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// UniqueConstraint is a composite unique constraint
type UniqueConstraint struct {
	Name    string
	Columns []string
}

func findColumn(cols []*Column, name string) *Column {
	for _, c := range cols {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func cloneColumns(cols []*Column) []*Column {
	out := make([]*Column, len(cols))
	for i, c := range cols {
		out[i] = c.Clone()
	}
	return out
}
