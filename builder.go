package modelkit

import (
	"reflect"
	"strings"
)

const validateMethodPrefix = "Validate"

// build turns def into a Model without registering it
func (r *Registry) build(def Definition, base *Model) (*Model, error) {
	if def.Name == "" {
		return nil, &ConfigError{Message: "a model definition needs a name"}
	}
	for _, c := range def.Columns {
		if c == nil || c.Name == "" {
			return nil, configErrorf(def.Name, "", "columns need a name")
		}
	}

	ns := newNamespace(def, mixinColumns(base))
	args := &Args{Name: def.Name, Base: base, Namespace: ns, Registry: r}
	meta, err := r.cfg.Factory.Resolve(def.Meta, args)
	if err != nil {
		return nil, err
	}

	m := &Model{
		name:          def.Name,
		base:          base,
		meta:          meta,
		registry:      r,
		inherit:       inheritanceOf(meta, base, ns),
		tableFunc:     ns.TableFunc != nil,
		columns:       ns.Columns(),
		primaryKey:    ns.PrimaryKey,
		indexes:       ns.Indexes,
		uniques:       ns.Uniques,
		mapperArgs:    ns.MapperArgs,
		relationships: ns.Relationships,
	}
	switch {
	case meta.Abstract():
	case m.inherit == inheritSingle:
		m.table = base.Table()
	default:
		m.table = ns.tableName()
	}
	if ns.MapperArgsFunc != nil {
		m.mapperArgs = ns.MapperArgsFunc(m)
	}

	if m.validators, err = collectValidators(def, m); err != nil {
		return nil, err
	}
	if meta.Abstract() {
		return m, nil
	}
	if meta.Validation() {
		attachRequired(m)
	}

	if m.PrimaryKeyName() == "" {
		return nil, configErrorf(def.Name, OptPK, "a concrete model needs a primary key")
	}
	for _, c := range m.columns {
		if c.ForeignKey != nil && c.ForeignKey.rawTable && !c.ForeignKey.Resolved() {
			resolveRawForeignKey(c, r.cfg)
		}
	}
	return m, nil
}

// mixinColumns returns the columns a model copies from base. Abstract bases
// are mixins; a concrete, non-polymorphic base is treated as one too and its
// whole layout is copied into the new table.
func mixinColumns(base *Model) []*Column {
	switch {
	case base == nil:
		return nil
	case base.IsAbstract():
		return cloneColumns(base.columns)
	case base.Polymorphic() == NotPolymorphic:
		return cloneColumns(base.AllColumns())
	}
	return nil
}

func inheritanceOf(meta *Meta, base *Model, ns *Namespace) inheritance {
	if base == nil || base.IsAbstract() || meta.Abstract() {
		return inheritNone
	}
	switch meta.Polymorphic() {
	case PolymorphicJoined:
		return inheritJoined
	case PolymorphicSingle:
		return inheritSingle
	case PolymorphicManual, PolymorphicFullyManual:
		if ns.Table != "" || ns.TableFunc != nil {
			return inheritJoined
		}
		return inheritSingle
	}
	return inheritNone
}

// collectValidators merges the base model's extra validators, the declared
// ones and the Validate<Column> methods of def.Methods.
func collectValidators(def Definition, m *Model) (map[string][]Validator, error) {
	out := make(map[string][]Validator)
	if m.base != nil {
		for col, vs := range m.base.validators {
			out[col] = append([]Validator(nil), vs...)
		}
	}
	for col, vs := range def.Validators {
		if m.Column(col) == nil {
			return nil, configErrorf(def.Name, col, "validators declared for unknown column")
		}
		out[col] = append(out[col], vs...)
	}

	if def.Methods == nil {
		return out, nil
	}
	v := reflect.ValueOf(def.Methods)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		suffix, ok := strings.CutPrefix(name, validateMethodPrefix)
		if !ok || suffix == "" {
			continue
		}
		col := methodColumn(m, suffix)
		if col == "" {
			continue
		}
		fn, ok := v.Method(i).Interface().(func(any) error)
		if !ok {
			return nil, configErrorf(def.Name, col, "%s must have the signature func(value any) error", name)
		}
		out[col] = append(out[col], ValidatorFunc(fn))
	}
	return out, nil
}

// methodColumn finds the column a Validate<Suffix> method refers to
func methodColumn(m *Model, suffix string) string {
	for _, c := range m.AllColumns() {
		if strings.EqualFold(camelCase(c.Name), suffix) {
			return c.Name
		}
	}
	return ""
}

func attachRequired(m *Model) {
	for _, c := range m.columns {
		if !c.NotNull || c.PrimaryKey || c.HasDefault() || hasRequired(c.Validators) {
			continue
		}
		c.Validators = append(c.Validators, Required{})
	}
}
