package modelkit

import (
	"fmt"
	"sort"
	"strings"
)

// MetaBlock is the Meta configuration declared on a model. A key present with
// a nil value explicitly disables the option, e.g. {"created_at": nil}.
type MetaBlock map[string]any

// Polymorphism is the resolved polymorphic mapping mode
type Polymorphism string

const (
	NotPolymorphic         Polymorphism = ""
	PolymorphicJoined      Polymorphism = "joined"
	PolymorphicSingle      Polymorphism = "single"
	PolymorphicManual      Polymorphism = "manual"       // mapper args declare PolymorphicOn
	PolymorphicFullyManual Polymorphism = "fully_manual" // a MapperArgsFunc is declared
)

// IsAutomatic reports whether the mapping is driven by Meta options
func (p Polymorphism) IsAutomatic() bool {
	return p == PolymorphicJoined || p == PolymorphicSingle
}

// IndexTogether is the value of the index_together Meta option
type IndexTogether struct {
	Columns []string
	Name    string
	Unique  bool
}

// UniqueTogether is the value of the unique_together Meta option
type UniqueTogether struct {
	Columns []string
	Name    string
}

// Meta holds the resolved Meta options of a model. It is read-only once the
// model is built.
type Meta struct {
	model        string
	values       map[string]any
	order        []string
	baseAbstract bool
}

func newMeta(model string, baseAbstract bool) *Meta {
	return &Meta{
		model:        model,
		values:       make(map[string]any),
		baseAbstract: baseAbstract,
	}
}

func (m *Meta) set(name string, value any) {
	if _, ok := m.values[name]; !ok {
		m.order = append(m.order, name)
	}
	m.values[name] = value
}

// Get returns the resolved value of an option, including custom ones
func (m *Meta) Get(name string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[name]
	return v, ok
}

// Options returns the resolved option names in resolution order
func (m *Meta) Options() []string {
	return append([]string(nil), m.order...)
}

// Map returns a copy of the resolved values
func (m *Meta) Map() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m *Meta) getBool(name string) bool {
	b, _ := m.values[name].(bool)
	return b
}

func (m *Meta) getString(name string) string {
	s, _ := m.values[name].(string)
	return s
}

// column returns the column name of a column option, "" when disabled
func (m *Meta) column(name string) string {
	if m == nil {
		return ""
	}
	return m.getString(name)
}

func (m *Meta) Abstract() bool   { return m.getBool(OptAbstract) }
func (m *Meta) LazyMapped() bool { return m.getBool(OptLazyMapped) }
func (m *Meta) Table() string    { return m.getString(OptTable) }
func (m *Meta) Str() string      { return m.getString(OptStr) }
func (m *Meta) Validation() bool { return m.getBool(OptValidation) }

func (m *Meta) Repr() []string {
	r, _ := m.values[OptRepr].([]string)
	return append([]string(nil), r...)
}

func (m *Meta) Polymorphic() Polymorphism {
	p, _ := m.values[OptPolymorphic].(Polymorphism)
	return p
}

func (m *Meta) PolymorphicOn() string       { return m.getString(OptPolymorphicOn) }
func (m *Meta) PolymorphicIdentity() string { return m.getString(OptPolymorphicIdentity) }
func (m *Meta) BaseTable() string           { return m.getString(OptBaseTablename) }
func (m *Meta) BasePK() string              { return m.getString(OptBasePKName) }

func (m *Meta) PKType() ColumnType {
	t, _ := m.values[OptPKType].(ColumnType)
	return t
}

// PK returns the primary key column name, "" when explicitly disabled
func (m *Meta) PK() string        { return m.column(OptPK) }
func (m *Meta) CreatedAt() string { return m.column(OptCreatedAt) }
func (m *Meta) UpdatedAt() string { return m.column(OptUpdatedAt) }
func (m *Meta) DeletedAt() string { return m.column(OptDeletedAt) }
func (m *Meta) Version() string   { return m.column(OptVersion) }
func (m *Meta) Tenant() string    { return m.column(OptTenant) }

func (m *Meta) IndexTogether() *IndexTogether {
	v, _ := m.values[OptIndexTogether].(*IndexTogether)
	return v
}

func (m *Meta) UniqueTogether() *UniqueTogether {
	v, _ := m.values[OptUniqueTogether].(*UniqueTogether)
	return v
}

// Relationships maps a target model name to the attribute referring to it
func (m *Meta) Relationships() map[string]string {
	r, _ := m.values[OptRelationships].(map[string]string)
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsPolymorphicBase reports whether the model is the root of a polymorphic
// hierarchy, i.e. polymorphic and directly extending an abstract model.
func (m *Meta) IsPolymorphicBase() bool {
	return m.Polymorphic() != NotPolymorphic && m.baseAbstract
}

func (m *Meta) String() string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m.values[k])
	}
	return fmt.Sprintf("%sMeta(%s)", m.model, strings.Join(parts, ", "))
}
