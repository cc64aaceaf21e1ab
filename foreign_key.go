package modelkit

import "fmt"

// ForeignKeyRef is the target of a foreign key column. Table, Column and the
// owning column's type are filled in by the registry once the target model is
// known.
type ForeignKeyRef struct {
	Target   string // Model name or table name
	Table    string // Resolved table
	Column   string // Referenced column; empty means the target's primary key
	OnDelete string
	OnUpdate string

	explicitType bool
	rawTable     bool
	resolved     bool
}

// Resolved reports whether the target has been bound to a table and column
func (fk *ForeignKeyRef) Resolved() bool {
	return fk.resolved
}

func (fk *ForeignKeyRef) String() string {
	if !fk.resolved {
		return fk.Target
	}
	return fmt.Sprintf("%s.%s", fk.Table, fk.Column)
}

// ForeignKeyOption customizes a column built by ForeignKey
type ForeignKeyOption func(*Column)

// References sets the referenced column instead of the target's primary key
func References(column string) ForeignKeyOption {
	return func(c *Column) {
		c.ForeignKey.Column = column
	}
}

// FKType sets the column type instead of copying the referenced column's type
func FKType(typ ColumnType) ForeignKeyOption {
	return func(c *Column) {
		c.Type = typ
		c.ForeignKey.explicitType = true
	}
}

// RefTable points the key at a raw table that is not a registered model
func RefTable(table string) ForeignKeyOption {
	return func(c *Column) {
		c.ForeignKey.Table = table
		c.ForeignKey.Target = table
		c.ForeignKey.rawTable = true
	}
}

// FKNullable allows NULL in the column
func FKNullable() ForeignKeyOption {
	return func(c *Column) {
		c.NotNull = false
	}
}

// FKPrimaryKey makes the column (part of) the primary key
func FKPrimaryKey() ForeignKeyOption {
	return func(c *Column) {
		c.PrimaryKey = true
	}
}

// OnDelete sets the ON DELETE action, e.g. "CASCADE"
func OnDelete(action string) ForeignKeyOption {
	return func(c *Column) {
		c.ForeignKey.OnDelete = action
	}
}

// OnUpdate sets the ON UPDATE action
func OnUpdate(action string) ForeignKeyOption {
	return func(c *Column) {
		c.ForeignKey.OnUpdate = action
	}
}

// ForeignKey returns a not-null column referencing target, a model name (or
// the table of a registered model). Unless overridden, the referenced column
// is the target's primary key and the column takes that key's type:
//
//	modelkit.ForeignKey("parent_id", "Parent")
//	modelkit.ForeignKey("owner_id", "User", modelkit.FKNullable(), modelkit.OnDelete("SET NULL"))
func ForeignKey(name, target string, opts ...ForeignKeyOption) *Column {
	c := &Column{
		Name:       name,
		Type:       TypeInteger,
		NotNull:    true,
		ForeignKey: &ForeignKeyRef{Target: target},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolveForeignKey binds col's key to target. It fails when the referenced
// column does not exist on the target.
func resolveForeignKey(owner string, col *Column, target *Model) error {
	fk := col.ForeignKey
	refName := fk.Column
	if refName == "" {
		refName = target.PrimaryKeyName()
	}
	if refName == "" {
		return configErrorf(owner, col.Name, "foreign key target %s has no primary key", target.Name())
	}
	ref := target.Column(refName)
	if ref == nil {
		return configErrorf(owner, col.Name, "foreign key references unknown column %s.%s", target.Name(), refName)
	}
	if !fk.explicitType {
		col.Type = ref.Type
	}
	fk.Table = target.Table()
	fk.Column = refName
	fk.resolved = true
	return nil
}

// resolveRawForeignKey binds a RefTable key using the registry defaults
func resolveRawForeignKey(col *Column, cfg RegistryConfig) {
	fk := col.ForeignKey
	if fk.Column == "" {
		fk.Column = cfg.DefaultPrimaryKey
	}
	if !fk.explicitType {
		col.Type = cfg.DefaultPrimaryKeyType
	}
	fk.resolved = true
}
