package modelkit

import (
	"fmt"
	"strings"
)

// DefaultOptions returns the built-in Meta options in resolution order
func DefaultOptions() []Option {
	return []Option{
		abstractOption{},
		BoolOption{MetaOption{OptName: OptLazyMapped, Default: false, Inherit: true}},
		tableOption{},
		reprOption{},
		strOption{},
		BoolOption{MetaOption{OptName: OptValidation, Default: true, Inherit: true}},
		polymorphicOption{},
		polymorphicOnOption{discriminatorColumn()},
		polymorphicIdentityOption{},
		baseTablenameOption{},
		basePKNameOption{},
		joinedPKOption{},
		pkTypeOption{},
		primaryKeyColumn(),
		createdAtColumn(),
		updatedAtColumn(),
		deletedAtColumn(),
		versionColumn(),
		tenantColumn(),
		indexTogetherOption{},
		uniqueTogetherOption{},
		relationshipsOption{},
	}
}

type abstractOption struct {
	BoolOption
}

func (abstractOption) Name() string {
	return OptAbstract
}

func (o abstractOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	if args.Namespace.Abstract {
		return true, nil
	}
	if v, ok := declared[OptAbstract]; ok {
		return v, nil
	}
	return false, nil
}

func (o abstractOption) Check(value any, args *Args) error {
	if _, ok := value.(bool); !ok {
		return args.Errorf(OptAbstract, "the value must be a bool (got %T)", value)
	}
	return nil
}

func (o abstractOption) Contribute(value any, args *Args) error {
	args.Namespace.Abstract = value == true
	return nil
}

type tableOption struct {
	MetaOption
}

func (tableOption) Name() string {
	return OptTable
}

func (o tableOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	ns := args.Namespace
	switch {
	case ns.TableFunc != nil:
		return nil, nil
	case ns.Table != "":
		return ns.Table, nil
	}
	return declared[OptTable], nil
}

func (o tableOption) Check(value any, args *Args) error {
	switch value.(type) {
	case nil, string:
		return nil
	}
	return args.Errorf(OptTable, "the value must be a table name (got %T)", value)
}

func (o tableOption) Contribute(value any, args *Args) error {
	if s, _ := value.(string); s != "" && args.Namespace.TableFunc == nil {
		args.Namespace.Table = s
	}
	return nil
}

type reprOption struct {
	MetaOption
}

func (reprOption) Name() string {
	return OptRepr
}

func (o reprOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	var value any = []string{args.config().DefaultPrimaryKey}
	if base != nil {
		if v, ok := base.Get(OptRepr); ok {
			value = v
		}
	}
	if v, ok := declared[OptRepr]; ok {
		value = v
	}
	if value == nil {
		return []string{}, nil
	}
	if cols, ok := stringSlice(value); ok {
		return cols, nil
	}
	return value, nil
}

func (o reprOption) Check(value any, args *Args) error {
	if _, ok := value.([]string); !ok {
		return args.Errorf(OptRepr, "the value must be a list of column names (got %T)", value)
	}
	return nil
}

type strOption struct {
	MetaOption
}

func (strOption) Name() string {
	return OptStr
}

func (o strOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	return MetaOption{OptName: OptStr, Inherit: true}.Value(declared, base, args)
}

func (o strOption) Check(value any, args *Args) error {
	if value == nil || value == "" {
		return nil
	}
	name, ok := value.(string)
	if !ok || !knownColumn(name, args) {
		return args.Errorf(OptStr, "the value must be a single column name (got %s)", describe(value))
	}
	return nil
}

// knownColumn reports whether name is declared, inherited or a conventional
// column resolved by the base model.
func knownColumn(name string, args *Args) bool {
	if args.Namespace.Column(name) != nil {
		return true
	}
	if args.Base != nil && args.Base.Column(name) != nil {
		return true
	}
	base := args.BaseMeta()
	if base == nil {
		return name == args.config().DefaultPrimaryKey
	}
	for _, opt := range []string{OptPK, OptCreatedAt, OptUpdatedAt, OptDeletedAt, OptVersion, OptTenant} {
		if base.column(opt) == name {
			return true
		}
	}
	return false
}

type polymorphicOption struct {
	MetaOption
}

func (polymorphicOption) Name() string {
	return OptPolymorphic
}

func (o polymorphicOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	ns := args.Namespace
	if ns.MapperArgsFunc != nil {
		return PolymorphicFullyManual, nil
	}
	if ns.MapperArgs.PolymorphicOn != "" {
		return PolymorphicManual, nil
	}

	value, _ := MetaOption{OptName: OptPolymorphic, Default: false, Inherit: true}.Value(declared, base, args)
	switch v := value.(type) {
	case nil:
		return NotPolymorphic, nil
	case bool:
		if v {
			return PolymorphicJoined, nil
		}
		return NotPolymorphic, nil
	case string:
		return Polymorphism(v), nil
	}
	return value, nil
}

func (o polymorphicOption) Check(value any, args *Args) error {
	if p, ok := value.(Polymorphism); ok {
		switch p {
		case NotPolymorphic, PolymorphicJoined, PolymorphicSingle, PolymorphicManual, PolymorphicFullyManual:
			return nil
		}
	}
	return args.Errorf(OptPolymorphic, "the value must be one of 'joined', 'single', true, false (got %s)", describe(value))
}

func discriminatorColumn() ColumnOption {
	return ColumnOption{
		OptName:     OptPolymorphicOn,
		DefaultName: "discriminator",
		Build: func(name string, args *Args) *Column {
			return &Column{Name: name, Type: TypeString}
		},
	}
}

type polymorphicOnOption struct {
	ColumnOption
}

func (o polymorphicOnOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	if !args.Meta.Polymorphic().IsAutomatic() {
		return nil, nil
	}
	return o.ColumnOption.Value(declared, base, args)
}

func (o polymorphicOnOption) Contribute(value any, args *Args) error {
	if !args.Meta.Polymorphic().IsAutomatic() {
		return nil
	}
	if err := o.ColumnOption.Contribute(value, args); err != nil {
		return err
	}
	ns := args.Namespace
	if name, _ := value.(string); name != "" && args.Meta.IsPolymorphicBase() && ns.MapperArgs.PolymorphicOn == "" {
		ns.MapperArgs.PolymorphicOn = name
	}
	return nil
}

type polymorphicIdentityOption struct {
	MetaOption
}

func (polymorphicIdentityOption) Name() string {
	return OptPolymorphicIdentity
}

func (o polymorphicIdentityOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	switch args.Meta.Polymorphic() {
	case NotPolymorphic, PolymorphicFullyManual:
		return nil, nil
	}
	if id := args.Namespace.MapperArgs.PolymorphicIdentity; id != "" {
		return id, nil
	}
	if v, ok := declared[OptPolymorphicIdentity]; ok && v != nil && v != "" {
		return v, nil
	}
	return args.Name, nil
}

func (o polymorphicIdentityOption) Check(value any, args *Args) error {
	switch value.(type) {
	case nil, string:
		return nil
	}
	return args.Errorf(OptPolymorphicIdentity, "the value must be a string (got %T)", value)
}

func (o polymorphicIdentityOption) Contribute(value any, args *Args) error {
	switch args.Meta.Polymorphic() {
	case NotPolymorphic, PolymorphicFullyManual:
		return nil
	}
	if id, _ := value.(string); args.Namespace.MapperArgs.PolymorphicIdentity == "" {
		args.Namespace.MapperArgs.PolymorphicIdentity = id
	}
	return nil
}

// concreteBase returns the base model when it is not abstract
func concreteBase(args *Args) *Model {
	if args.Base == nil || args.Base.IsAbstract() {
		return nil
	}
	return args.Base
}

type baseTablenameOption struct {
	MetaOption
}

func (baseTablenameOption) Name() string {
	return OptBaseTablename
}

func (o baseTablenameOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	b := concreteBase(args)
	if b == nil || b.usesTableFunc() {
		return nil, nil
	}
	return b.Table(), nil
}

type basePKNameOption struct {
	MetaOption
}

func (basePKNameOption) Name() string {
	return OptBasePKName
}

func (o basePKNameOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	b := concreteBase(args)
	if b == nil {
		return nil, nil
	}
	if pk := b.meta.PK(); pk != "" {
		return pk, nil
	}
	for _, c := range b.columns {
		if c.PrimaryKey && c.ForeignKey != nil {
			return c.Name, nil
		}
	}
	return nil, args.Errorf(OptBasePKName, "could not find a joined primary key column on %s", b.Name())
}

// joinedPKOption gives joined subclasses a primary key that references the
// base model's primary key.
type joinedPKOption struct {
	MetaOption
}

func (joinedPKOption) Name() string {
	return hiddenOption
}

func (o joinedPKOption) Value(MetaBlock, *Meta, *Args) (any, error) {
	return nil, nil
}

func (o joinedPKOption) Contribute(_ any, args *Args) error {
	meta := args.Meta
	if meta.Abstract() || meta.Polymorphic() != PolymorphicJoined || meta.IsPolymorphicBase() || meta.BaseTable() == "" {
		return nil
	}

	ns := args.Namespace
	if v, ok := meta.Get(OptPK); ok && v == nil {
		for _, c := range ns.Columns() {
			if c.PrimaryKey && c.ForeignKey != nil {
				return nil
			}
		}
		return args.Errorf(OptPK, "could not find a joined primary key column on %s", args.Name)
	}

	pk := meta.PK()
	if pk == "" {
		pk = args.config().DefaultPrimaryKey
	}
	if ns.Has(pk) {
		return nil
	}
	col := ForeignKey(pk, args.Base.Name(), FKPrimaryKey(), References(meta.BasePK()), OnDelete("CASCADE"))
	if err := resolveForeignKey(args.Name, col, args.Base); err != nil {
		return err
	}
	ns.PrependColumn(col)
	return nil
}

type pkTypeOption struct {
	MetaOption
}

func (pkTypeOption) Name() string {
	return OptPKType
}

func (o pkTypeOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	value, _ := MetaOption{OptName: OptPKType, Default: args.config().DefaultPrimaryKeyType, Inherit: true}.Value(declared, base, args)
	if s, ok := value.(string); ok {
		return ColumnType(s), nil
	}
	return value, nil
}

func (o pkTypeOption) Check(value any, args *Args) error {
	if t, ok := value.(ColumnType); ok {
		switch t {
		case TypeInteger, TypeBigInt, TypeUUID, TypeString, TypeText:
			return nil
		}
	}
	return args.Errorf(OptPKType, "the value must be one of integer, bigint, uuid, varchar, text (got %s)", describe(value))
}

func primaryKeyColumn() ColumnOption {
	return ColumnOption{
		OptName: OptPK,
		DefaultFunc: func(args *Args) string {
			return args.config().DefaultPrimaryKey
		},
		Inherit: true,
		Prepend: true,
		Skip: func(args *Args) bool {
			return args.Namespace.HasPrimaryKey()
		},
		Build: func(name string, args *Args) *Column {
			typ := args.Meta.PKType()
			col := &Column{Name: name, Type: typ, PrimaryKey: true, NotNull: true}
			switch {
			case typ.autoIncrements():
				col.AutoIncrement = true
			case typ == TypeUUID:
				col.ServerDefault = "gen_random_uuid()"
			}
			return col
		},
	}
}

func timestampColumn(opt string, updateNow bool) ColumnOption {
	return ColumnOption{
		OptName:     opt,
		DefaultName: opt,
		Inherit:     true,
		Build: func(name string, args *Args) *Column {
			return &Column{
				Name:          name,
				Type:          TypeTimestamp,
				NotNull:       true,
				ServerDefault: "current_timestamp",
				UpdateNow:     updateNow,
			}
		},
	}
}

func createdAtColumn() ColumnOption { return timestampColumn(OptCreatedAt, false) }
func updatedAtColumn() ColumnOption { return timestampColumn(OptUpdatedAt, true) }

func deletedAtColumn() ColumnOption {
	return ColumnOption{
		OptName:     OptDeletedAt,
		DefaultName: "deleted_at",
		OptIn:       true,
		Inherit:     true,
		Build: func(name string, args *Args) *Column {
			return &Column{Name: name, Type: TypeTimestamp}
		},
	}
}

func versionColumn() ColumnOption {
	return ColumnOption{
		OptName:     OptVersion,
		DefaultName: "version",
		OptIn:       true,
		Inherit:     true,
		Build: func(name string, args *Args) *Column {
			return &Column{Name: name, Type: TypeBigInt, NotNull: true, ServerDefault: "1", Default: int64(1)}
		},
	}
}

func tenantColumn() ColumnOption {
	return ColumnOption{
		OptName:     OptTenant,
		DefaultName: "tenant_id",
		OptIn:       true,
		Inherit:     true,
		Build: func(name string, args *Args) *Column {
			return &Column{Name: name, Type: TypeString, NotNull: true}
		},
	}
}

// togetherColumns validates the columns of index_together/unique_together
func togetherColumns(option string, cols []string, args *Args) error {
	if len(cols) < 2 {
		return args.Errorf(option, "the value must contain at least two column names")
	}
	var invalid []string
	for _, c := range cols {
		if args.Namespace.Column(c) == nil {
			invalid = append(invalid, c)
		}
	}
	switch len(invalid) {
	case 0:
		return nil
	case 1:
		return args.Errorf(option, "%s is not a valid column name for %s", invalid[0], args.Name)
	}
	return args.Errorf(option, "%s are not valid column names for %s", joinColumns(invalid), args.Name)
}

// storageTable is the table the model's columns are stored in. Single table
// polymorphic children share their base's table.
func storageTable(args *Args) string {
	if inheritanceOf(args.Meta, args.Base, args.Namespace) == inheritSingle {
		return args.Base.Table()
	}
	return args.Namespace.tableName()
}

type indexTogetherOption struct {
	MetaOption
}

func (indexTogetherOption) Name() string {
	return OptIndexTogether
}

func (o indexTogetherOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	switch v := declared[OptIndexTogether].(type) {
	case nil:
		return nil, nil
	case IndexTogether:
		v.Columns = append([]string(nil), v.Columns...)
		return &v, nil
	case *IndexTogether:
		cp := *v
		cp.Columns = append([]string(nil), v.Columns...)
		return &cp, nil
	default:
		if cols, ok := stringSlice(v); ok {
			return &IndexTogether{Columns: cols}, nil
		}
		return v, nil
	}
}

func (o indexTogetherOption) Check(value any, args *Args) error {
	switch value.(type) {
	case nil, *IndexTogether:
		return nil
	}
	return args.Errorf(OptIndexTogether, "the value must be a list of column names or an IndexTogether (got %T)", value)
}

func (o indexTogetherOption) Contribute(value any, args *Args) error {
	it, _ := value.(*IndexTogether)
	if it == nil {
		return nil
	}
	if err := togetherColumns(OptIndexTogether, it.Columns, args); err != nil {
		return err
	}
	if it.Name == "" {
		it.Name = fmt.Sprintf("ix_%s_%s", storageTable(args), strings.Join(it.Columns, "_"))
	}
	args.Namespace.Indexes = append(args.Namespace.Indexes, Index{Name: it.Name, Columns: it.Columns, Unique: it.Unique})
	return nil
}

type uniqueTogetherOption struct {
	MetaOption
}

func (uniqueTogetherOption) Name() string {
	return OptUniqueTogether
}

func (o uniqueTogetherOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	switch v := declared[OptUniqueTogether].(type) {
	case nil:
		return nil, nil
	case UniqueTogether:
		v.Columns = append([]string(nil), v.Columns...)
		return &v, nil
	case *UniqueTogether:
		cp := *v
		cp.Columns = append([]string(nil), v.Columns...)
		return &cp, nil
	default:
		if cols, ok := stringSlice(v); ok {
			return &UniqueTogether{Columns: cols}, nil
		}
		return v, nil
	}
}

func (o uniqueTogetherOption) Check(value any, args *Args) error {
	switch value.(type) {
	case nil, *UniqueTogether:
		return nil
	}
	return args.Errorf(OptUniqueTogether, "the value must be a list of column names or a UniqueTogether (got %T)", value)
}

func (o uniqueTogetherOption) Contribute(value any, args *Args) error {
	ut, _ := value.(*UniqueTogether)
	if ut == nil {
		return nil
	}
	if err := togetherColumns(OptUniqueTogether, ut.Columns, args); err != nil {
		return err
	}
	if ut.Name == "" {
		ut.Name = fmt.Sprintf("uq_%s_%s", storageTable(args), strings.Join(ut.Columns, "_"))
	}
	args.Namespace.Uniques = append(args.Namespace.Uniques, UniqueConstraint{Name: ut.Name, Columns: ut.Columns})
	return nil
}

// relationshipsOption merges the base model's relationships with the ones
// declared on the model. The base map is copied, never updated in place.
type relationshipsOption struct {
	MetaOption
}

func (relationshipsOption) Name() string {
	return OptRelationships
}

func (o relationshipsOption) Value(declared MetaBlock, base *Meta, args *Args) (any, error) {
	if args.Meta.Abstract() {
		return nil, nil
	}
	merged := make(map[string]string)
	if base != nil {
		for k, v := range base.Relationships() {
			merged[k] = v
		}
	}
	switch v := declared[OptRelationships].(type) {
	case nil:
	case map[string]string:
		for k, name := range v {
			merged[k] = name
		}
	default:
		return v, nil
	}
	return merged, nil
}

func (o relationshipsOption) Check(value any, args *Args) error {
	switch value.(type) {
	case nil, map[string]string:
		return nil
	}
	return args.Errorf(OptRelationships, "the value must be a map of model name to attribute (got %T)", value)
}

func (o relationshipsOption) Contribute(value any, args *Args) error {
	rels, _ := value.(map[string]string)
	if rels == nil {
		return nil
	}
	discover := func(r Relationship) error {
		if r.Backref != "" && args.Meta.LazyMapped() {
			return args.Errorf(OptRelationships,
				"lazy-mapped backref %s is unsupported; declare BackPopulates on both sides instead", r.Name)
		}
		rels[r.Target] = r.Name
		return nil
	}
	if args.Base != nil {
		for _, r := range args.Base.relationships {
			if err := discover(r); err != nil {
				return err
			}
		}
	}
	for _, r := range args.Namespace.Relationships {
		if err := discover(r); err != nil {
			return err
		}
	}
	return nil
}
