package modelkit

import "fmt"

// Built-in Meta option names
const (
	OptAbstract            = "abstract"
	OptLazyMapped          = "lazy_mapped"
	OptTable               = "table"
	OptRepr                = "repr"
	OptStr                 = "str"
	OptValidation          = "validation"
	OptPolymorphic         = "polymorphic"
	OptPolymorphicOn       = "polymorphic_on"
	OptPolymorphicIdentity = "polymorphic_identity"
	OptBaseTablename       = "_base_tablename"
	OptBasePKName          = "_base_pk_name"
	OptPKType              = "pk_type"
	OptPK                  = "pk"
	OptCreatedAt           = "created_at"
	OptUpdatedAt           = "updated_at"
	OptDeletedAt           = "deleted_at"
	OptVersion             = "version"
	OptTenant              = "tenant"
	OptIndexTogether       = "index_together"
	OptUniqueTogether      = "unique_together"
	OptRelationships       = "relationships"
)

// hiddenOption names options that only contribute and store no value
const hiddenOption = "_"

// Args is what an Option sees while a model is built
type Args struct {
	Name      string     // Model name
	Base      *Model     // Base model, nil only for a registry's root model
	Namespace *Namespace // Declared contents, contributed to in place
	Meta      *Meta      // Options resolved so far
	Registry  *Registry
}

// BaseMeta returns the resolved Meta of the base model
func (a *Args) BaseMeta() *Meta {
	if a.Base == nil {
		return nil
	}
	return a.Base.meta
}

func (a *Args) config() RegistryConfig {
	if a.Registry == nil {
		return DefaultRegistryConfig()
	}
	return a.Registry.cfg
}

// Errorf returns a configuration error about option on the model being built
func (a *Args) Errorf(option, format string, args ...any) error {
	return configErrorf(a.Name, option, format, args...)
}

// Option is one entry of the Meta option factory. Options are resolved in
// factory order: first every Value and Check, then every Contribute.
type Option interface {
	Name() string
	// Value computes the option value from the declared block and the base meta
	Value(declared MetaBlock, base *Meta, args *Args) (any, error)
	// Check validates the computed value
	Check(value any, args *Args) error
	// Contribute adds columns, constraints or mapper args to the namespace
	Contribute(value any, args *Args) error
}

// MetaOption is a plain option with a default that may be inherited from the
// base model. Embed it to write custom options.
type MetaOption struct {
	OptName string
	Default any
	Inherit bool
}

func (o MetaOption) Name() string {
	return o.OptName
}

func (o MetaOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	value := o.Default
	if o.Inherit && base != nil {
		if v, ok := base.Get(o.OptName); ok {
			value = v
		}
	}
	if v, ok := declared[o.OptName]; ok {
		value = v
	}
	return value, nil
}

func (o MetaOption) Check(value any, args *Args) error {
	return nil
}

func (o MetaOption) Contribute(value any, args *Args) error {
	return nil
}

// BoolOption is a MetaOption whose value must be a bool
type BoolOption struct {
	MetaOption
}

func (o BoolOption) Check(value any, args *Args) error {
	if _, ok := value.(bool); !ok {
		return args.Errorf(o.OptName, "the value must be a bool (got %T)", value)
	}
	return nil
}

// ColumnOption names a conventional column. The value is a column name,
// true for the default name, or false/nil to disable the column. OptIn
// options are disabled unless declared.
type ColumnOption struct {
	OptName     string
	DefaultName string
	DefaultFunc func(*Args) string // overrides DefaultName
	OptIn       bool
	Inherit     bool

	Build   func(name string, args *Args) *Column
	Skip    func(args *Args) bool // extra veto on contribution
	Prepend bool
}

func (o ColumnOption) Name() string {
	return o.OptName
}

func (o ColumnOption) defaultName(args *Args) string {
	if o.DefaultFunc != nil {
		return o.DefaultFunc(args)
	}
	return o.DefaultName
}

func (o ColumnOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	var value any
	if name := o.defaultName(args); name != "" && !o.OptIn {
		value = name
	}
	if o.Inherit && base != nil {
		if v, ok := base.Get(o.OptName); ok {
			value = v
		}
	}
	if v, ok := declared[o.OptName]; ok {
		value = v
	}

	switch v := value.(type) {
	case bool:
		if v {
			if name := o.defaultName(args); name != "" {
				return name, nil
			}
		}
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
	}
	return value, nil
}

func (o ColumnOption) Check(value any, args *Args) error {
	switch value.(type) {
	case nil, string:
		return nil
	}
	return args.Errorf(o.OptName, "the value must be a column name, a bool or nil (got %T)", value)
}

func (o ColumnOption) Contribute(value any, args *Args) error {
	name, _ := value.(string)
	if !shouldContributeColumn(name, args) {
		return nil
	}
	if o.Skip != nil && o.Skip(args) {
		return nil
	}
	col := o.Build(name, args)
	if o.Prepend {
		args.Namespace.PrependColumn(col)
	} else {
		args.Namespace.AddColumn(col)
	}
	return nil
}

// shouldContributeColumn holds for concrete models that are not polymorphic
// children and do not already declare name.
func shouldContributeColumn(name string, args *Args) bool {
	if name == "" || args.Meta.Abstract() {
		return false
	}
	if args.Meta.Polymorphic() != NotPolymorphic && !args.Meta.IsPolymorphicBase() {
		return false
	}
	return !args.Namespace.Has(name)
}

func stringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, len(v))
		for i, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func describe(value any) string {
	return fmt.Sprintf("%v (%T)", value, value)
}
