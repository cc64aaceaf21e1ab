package modelkit

// Definition declares a model. It is the input of Registry.Build:
//
//	parent, err := reg.Build(modelkit.Definition{
//	    Name:    "Parent",
//	    Columns: []*modelkit.Column{modelkit.Col("name", modelkit.TypeString).NotNullable()},
//	})
//
//	child, err := reg.Build(modelkit.Definition{
//	    Name: "Child",
//	    Meta: modelkit.MetaBlock{"created_at": nil},
//	    Columns: []*modelkit.Column{
//	        modelkit.ForeignKey("parent_id", "Parent"),
//	    },
//	})
type Definition struct {
	Name     string
	Base     *Model // nil means the registry's current base model
	Abstract bool
	Meta     MetaBlock

	// Table overrides the table name; TableFunc computes it from the model
	// name instead. Either disables the table Meta option.
	Table     string
	TableFunc func(modelName string) string

	Columns []*Column

	// Attrs are non-column attributes. A conventional column is never
	// contributed over an attribute of the same name.
	Attrs map[string]any

	PrimaryKey []string // composite primary key constraint
	Indexes    []Index

	MapperArgs     MapperArgs
	MapperArgsFunc func(*Model) MapperArgs

	Relationships []Relationship

	// Validators are extra per-column validators
	Validators map[string][]Validator

	// Methods is searched for Validate<Column>(value any) error methods
	Methods any
}

// MapperArgs carries the polymorphic mapping arguments handed to the mapper
type MapperArgs struct {
	PolymorphicOn       string
	PolymorphicIdentity string
}

// Relationship declares an attribute referring to another model
type Relationship struct {
	Name          string
	Target        string
	BackPopulates string
	Backref       string
}

// Namespace is the working copy of a Definition that Meta options read and
// contribute to while a model is built.
type Namespace struct {
	Name     string
	Abstract bool

	Table     string
	TableFunc func(string) string

	PrimaryKey []string
	Indexes    []Index
	Uniques    []UniqueConstraint

	MapperArgs     MapperArgs
	MapperArgsFunc func(*Model) MapperArgs

	Relationships []Relationship

	columns []*Column
	attrs   map[string]any
}

func newNamespace(def Definition, inherited []*Column) *Namespace {
	ns := &Namespace{
		Name:           def.Name,
		Abstract:       def.Abstract,
		Table:          def.Table,
		TableFunc:      def.TableFunc,
		PrimaryKey:     append([]string(nil), def.PrimaryKey...),
		Indexes:        append([]Index(nil), def.Indexes...),
		MapperArgs:     def.MapperArgs,
		MapperArgsFunc: def.MapperArgsFunc,
		Relationships:  append([]Relationship(nil), def.Relationships...),
		attrs:          make(map[string]any, len(def.Attrs)),
	}
	for k, v := range def.Attrs {
		ns.attrs[k] = v
	}

	// Declared columns replace inherited ones of the same name
	for _, c := range inherited {
		if findColumn(def.Columns, c.Name) == nil {
			ns.columns = append(ns.columns, c)
		}
	}
	for _, c := range def.Columns {
		ns.columns = append(ns.columns, c.Clone())
	}
	return ns
}

// Columns returns the columns collected so far
func (ns *Namespace) Columns() []*Column {
	return ns.columns
}

// Column returns the column called name, or nil
func (ns *Namespace) Column(name string) *Column {
	return findColumn(ns.columns, name)
}

// Has reports whether name is taken by a column or an attribute
func (ns *Namespace) Has(name string) bool {
	if ns.Column(name) != nil {
		return true
	}
	_, ok := ns.attrs[name]
	return ok
}

// Attr returns a non-column attribute
func (ns *Namespace) Attr(name string) (any, bool) {
	v, ok := ns.attrs[name]
	return v, ok
}

// AddColumn appends c
func (ns *Namespace) AddColumn(c *Column) {
	ns.columns = append(ns.columns, c)
}

// PrependColumn inserts c before every other column
func (ns *Namespace) PrependColumn(c *Column) {
	ns.columns = append([]*Column{c}, ns.columns...)
}

// HasPrimaryKey reports whether a primary key column or constraint was declared
func (ns *Namespace) HasPrimaryKey() bool {
	if len(ns.PrimaryKey) > 0 {
		return true
	}
	for _, c := range ns.columns {
		if c.PrimaryKey {
			return true
		}
	}
	return false
}

// tableName is the table the model will get unless it shares its base's
func (ns *Namespace) tableName() string {
	switch {
	case ns.TableFunc != nil:
		return ns.TableFunc(ns.Name)
	case ns.Table != "":
		return ns.Table
	}
	return snakeCase(ns.Name)
}
