package modelkit

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// ErrUnknownColumn is returned when a value is set for a column the model
// does not have
var ErrUnknownColumn = errors.New("modelkit: unknown column")

// Instance is one row of a model, held as column values
type Instance struct {
	model  *Model
	values map[string]any

	persisted bool
	original  map[string]any // values as last loaded or saved
}

// New returns an instance of m with client side defaults and the
// polymorphic identity applied, then values set on top.
func (m *Model) New(values map[string]any) (*Instance, error) {
	if m.IsAbstract() {
		return nil, configErrorf(m.name, "", "abstract models cannot be instantiated")
	}
	inst := &Instance{model: m, values: make(map[string]any)}
	for _, c := range m.AllColumns() {
		switch d := c.Default.(type) {
		case nil:
		case func() any:
			inst.values[c.Name] = normalize(d())
		default:
			inst.values[c.Name] = normalize(d)
		}
	}
	if on, id := m.discriminator(); on != "" && id != "" {
		inst.values[on] = id
	}
	if err := inst.Update(values); err != nil {
		return nil, err
	}
	return inst, nil
}

// discriminator returns the discriminator column and the identity stored in
// it for m
func (m *Model) discriminator() (column, identity string) {
	for b := m; b != nil; b = b.base {
		if on := b.mapperArgs.PolymorphicOn; on != "" {
			return on, m.mapperArgs.PolymorphicIdentity
		}
	}
	return "", ""
}

// Model returns the instance's model
func (i *Instance) Model() *Model {
	return i.model
}

// Get returns the value of column, nil when unset
func (i *Instance) Get(column string) any {
	return i.values[column]
}

// Lookup returns the value of column and whether it was set
func (i *Instance) Lookup(column string) (any, bool) {
	v, ok := i.values[column]
	return v, ok
}

// Set sets column to value
func (i *Instance) Set(column string, value any) error {
	if i.model.Column(column) == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, i.model.name, column)
	}
	i.values[column] = normalize(value)
	return nil
}

// Unset forgets the value of column
func (i *Instance) Unset(column string) {
	delete(i.values, column)
}

// Update sets every value, stopping at the first unknown column
func (i *Instance) Update(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := i.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Values returns a copy of the set values
func (i *Instance) Values() map[string]any {
	out := make(map[string]any, len(i.values))
	for k, v := range i.values {
		out[k] = v
	}
	return out
}

// PK returns the primary key value, nil until the database assigns one
func (i *Instance) PK() any {
	return i.values[i.model.PrimaryKeyName()]
}

// IsNew reports whether the instance was neither loaded nor saved
func (i *Instance) IsNew() bool {
	return !i.persisted
}

// Changed returns the columns set or modified since the instance was
// loaded or saved, sorted
func (i *Instance) Changed() []string {
	var out []string
	for k, v := range i.values {
		if old, ok := i.original[k]; !ok || !reflect.DeepEqual(old, v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Original returns the value column had when the instance was loaded or saved
func (i *Instance) Original(column string) any {
	return i.original[column]
}

func (i *Instance) markPersisted() {
	i.persisted = true
	i.original = i.Values()
}

// load wraps values read from the database
func (m *Model) load(row map[string]any) *Instance {
	inst := &Instance{model: m, values: make(map[string]any, len(row))}
	for k, v := range row {
		if m.Column(k) != nil {
			inst.values[k] = normalize(v)
		}
	}
	inst.markPersisted()
	return inst
}

// String renders the repr columns: User(id=1, created_at=...)
func (i *Instance) String() string {
	cols := i.model.meta.Repr()
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if i.model.Column(c) == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", c, formatValue(i.values[c])))
	}
	return fmt.Sprintf("%s(%s)", i.model.name, strings.Join(parts, ", "))
}

// Label returns the value of the str column, or String() when none is set
func (i *Instance) Label() string {
	if col := i.model.meta.Str(); col != "" {
		if v, ok := i.values[col]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return i.String()
}

// Equal reports whether both instances are the same saved row
func (i *Instance) Equal(other *Instance) bool {
	if other == nil || i.model.tableRoot() != other.model.tableRoot() {
		return false
	}
	a, b := i.PK(), other.PK()
	return a != nil && b != nil && reflect.DeepEqual(a, b)
}

// tableRoot is the first model of the table chain m is stored in
func (m *Model) tableRoot() *Model {
	root := m
	for root.inherit != inheritNone {
		root = root.base
	}
	return root
}

// Validate runs every validator of the model and returns all failures as
// one *ValidationErrors. With partial, unset columns are skipped.
func (i *Instance) Validate(partial bool) error {
	m := i.model
	if !m.meta.Validation() {
		return nil
	}
	errs := &ValidationErrors{Model: m.name}
	for _, c := range m.AllColumns() {
		v, set := i.values[c.Name]
		if partial && !set {
			continue
		}
		f := Field{Column: c.Name, Model: m, Instance: i}
		for _, validator := range m.Validators(c.Name) {
			err := validator.Validate(f, v)
			if err == nil {
				continue
			}
			var ve *ValidationError
			if errors.As(err, &ve) {
				errs.Add(c.Name, ve.Message)
			} else {
				errs.Add(c.Name, err.Error())
			}
		}
	}
	return errs.Err()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return fmt.Sprintf("%q", x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// normalize dereferences pointers and widens integers and floats so values
// compare the same whether they came from the caller or from a scan.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}
	return v
}
