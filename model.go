package modelkit

import "fmt"

type inheritance int

const (
	inheritNone   inheritance = iota // own table; concrete base columns are copied
	inheritJoined                    // own table joined to the base table on the primary key
	inheritSingle                    // rows live in the base table, told apart by the discriminator
)

// Model is a built model: resolved Meta, table and columns. It is created by
// Registry.Build and not modified afterwards, except for foreign keys the
// registry resolves once their target is registered.
type Model struct {
	name     string
	base     *Model
	meta     *Meta
	registry *Registry
	inherit  inheritance

	table     string
	tableFunc bool

	columns    []*Column
	primaryKey []string
	indexes    []Index
	uniques    []UniqueConstraint

	mapperArgs    MapperArgs
	relationships []Relationship
	validators    map[string][]Validator
}

// tableLayout is one table of a model's storage and the model columns in it
type tableLayout struct {
	table   string
	owner   *Model
	columns []*Column
}

func (m *Model) Name() string { return m.name }
func (m *Model) Base() *Model { return m.base }
func (m *Model) Meta() *Meta  { return m.meta }

// Table returns the table the model's own columns live in. Abstract models
// have no table.
func (m *Model) Table() string { return m.table }

func (m *Model) IsAbstract() bool { return m.meta.Abstract() }

func (m *Model) usesTableFunc() bool { return m.tableFunc }

// Polymorphic returns the resolved polymorphic mode
func (m *Model) Polymorphic() Polymorphism { return m.meta.Polymorphic() }

// MapperArgs returns the polymorphic mapper arguments
func (m *Model) MapperArgs() MapperArgs { return m.mapperArgs }

// Identity returns the polymorphic identity, "" for non-polymorphic models
func (m *Model) Identity() string { return m.mapperArgs.PolymorphicIdentity }

// Columns returns the columns declared on or contributed to this model
func (m *Model) Columns() []*Column {
	return append([]*Column(nil), m.columns...)
}

// AllColumns returns every column of the model, including the ones stored
// in the tables of polymorphic base models.
func (m *Model) AllColumns() []*Column {
	var out []*Column
	seen := make(map[string]bool)
	for _, t := range m.layout() {
		for _, c := range t.columns {
			if !seen[c.Name] {
				seen[c.Name] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Column returns the column called name, searching polymorphic bases too
func (m *Model) Column(name string) *Column {
	if c := findColumn(m.columns, name); c != nil {
		return c
	}
	if m.inherit != inheritNone {
		return m.base.Column(name)
	}
	return nil
}

// PrimaryKeyName returns the name of the (first) primary key column
func (m *Model) PrimaryKeyName() string {
	if pk := m.meta.PK(); pk != "" {
		if c := m.Column(pk); c != nil && c.PrimaryKey {
			return pk
		}
	}
	for _, c := range m.AllColumns() {
		if c.PrimaryKey {
			return c.Name
		}
	}
	if len(m.primaryKey) > 0 {
		return m.primaryKey[0]
	}
	return ""
}

// PrimaryKey returns the primary key column, nil if there is none
func (m *Model) PrimaryKey() *Column {
	if name := m.PrimaryKeyName(); name != "" {
		return m.Column(name)
	}
	return nil
}

// PrimaryKeyColumns returns the columns of a composite primary key
func (m *Model) PrimaryKeyColumns() []string {
	if len(m.primaryKey) > 0 {
		return append([]string(nil), m.primaryKey...)
	}
	var out []string
	for _, c := range m.columns {
		if c.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

func (m *Model) Indexes() []Index                        { return append([]Index(nil), m.indexes...) }
func (m *Model) UniqueConstraints() []UniqueConstraint   { return append([]UniqueConstraint(nil), m.uniques...) }
func (m *Model) Relationships() []Relationship           { return append([]Relationship(nil), m.relationships...) }
func (m *Model) ForeignKeys() []*Column                  { return foreignKeys(m.columns) }
func (m *Model) extraValidators() map[string][]Validator { return m.validators }

// Validators returns every validator run for column name
func (m *Model) Validators(name string) []Validator {
	var out []Validator
	if c := m.Column(name); c != nil {
		out = append(out, c.Validators...)
	}
	return append(out, m.validators[name]...)
}

// Tables returns the tables a row of this model is stored in, base first
func (m *Model) Tables() []string {
	layout := m.layout()
	out := make([]string, len(layout))
	for i, t := range layout {
		out[i] = t.table
	}
	return out
}

// IsA reports whether m is other or extends it
func (m *Model) IsA(other *Model) bool {
	for b := m; b != nil; b = b.base {
		if b == other {
			return true
		}
	}
	return false
}

// tableOwner returns the model whose table m's own columns are stored in
func (m *Model) tableOwner() *Model {
	owner := m
	for owner.inherit == inheritSingle {
		owner = owner.base
	}
	return owner
}

func (m *Model) layout() []tableLayout {
	switch m.inherit {
	case inheritJoined:
		return append(m.base.layout(), tableLayout{table: m.table, owner: m, columns: m.columns})
	case inheritSingle:
		out := append([]tableLayout(nil), m.base.layout()...)
		last := out[len(out)-1]
		last.columns = append(append([]*Column(nil), last.columns...), m.columns...)
		out[len(out)-1] = last
		return out
	}
	return []tableLayout{{table: m.table, owner: m, columns: m.columns}}
}

// unresolvedForeignKeys returns the foreign key columns still waiting for
// their target model
func (m *Model) unresolvedForeignKeys() []*Column {
	var out []*Column
	for _, c := range m.columns {
		if c.ForeignKey != nil && !c.ForeignKey.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

func (m *Model) String() string {
	if m.IsAbstract() {
		return fmt.Sprintf("Model(%s, abstract)", m.name)
	}
	return fmt.Sprintf("Model(%s, table=%s)", m.name, m.table)
}

func foreignKeys(cols []*Column) []*Column {
	var out []*Column
	for _, c := range cols {
		if c.ForeignKey != nil {
			out = append(out, c)
		}
	}
	return out
}
