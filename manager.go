package modelkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/fernandezvara/modelkit/hooks"
)

// Manager reads and writes the rows of one model through bun. It works on
// any bun.IDB, so passing a bun.Tx runs its operations in that transaction.
type Manager struct {
	db        bun.IDB
	model     *Model
	logger    *slog.Logger
	audit     *auditor
	batchSize int
	now       func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithAudit emits an audit entry for every create, update, delete and restore
func WithAudit(cfg AuditConfig) ManagerOption {
	return func(mg *Manager) { mg.audit = &auditor{config: cfg} }
}

// WithBatchSize sets the number of rows SaveAll inserts per statement
func WithBatchSize(n int) ManagerOption {
	return func(mg *Manager) { mg.batchSize = n }
}

// WithClock replaces time.Now for timestamps
func WithClock(now func() time.Time) ManagerOption {
	return func(mg *Manager) { mg.now = now }
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(mg *Manager) { mg.logger = logger }
}

// NewManager returns a manager for the concrete model m
func NewManager(db bun.IDB, m *Model, opts ...ManagerOption) (*Manager, error) {
	if m == nil || m.IsAbstract() {
		return nil, &ConfigError{Message: "a manager needs a concrete model"}
	}
	mg := &Manager{
		db:        db,
		model:     m,
		batchSize: BatchSize,
		now:       time.Now,
	}
	if m.registry != nil {
		mg.logger = m.registry.logger
	}
	for _, opt := range opts {
		opt(mg)
	}
	if mg.logger == nil {
		mg.logger = slog.New(slog.DiscardHandler)
	}
	if mg.batchSize <= 0 {
		mg.batchSize = BatchSize
	}
	if mg.audit != nil {
		mg.audit.now = mg.now
	}
	return mg, nil
}

// Model returns the managed model
func (mg *Manager) Model() *Model {
	return mg.model
}

// WithDB returns a copy of the manager running on db, typically a bun.Tx
func (mg *Manager) WithDB(db bun.IDB) *Manager {
	cp := *mg
	cp.db = db
	return &cp
}

// New returns an unsaved instance
func (mg *Manager) New(values map[string]any) (*Instance, error) {
	return mg.model.New(values)
}

// Create builds an instance from values and saves it
func (mg *Manager) Create(ctx context.Context, values map[string]any) (*Instance, error) {
	inst, err := mg.model.New(values)
	if err != nil {
		return nil, err
	}
	if err := mg.Save(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Save validates inst and inserts it, or updates the columns changed since
// it was loaded.
func (mg *Manager) Save(ctx context.Context, inst *Instance) error {
	if err := mg.owns(inst); err != nil {
		return err
	}
	if inst.IsNew() {
		return mg.insert(ctx, inst)
	}
	return mg.update(ctx, inst)
}

// Update sets values on inst and saves it
func (mg *Manager) Update(ctx context.Context, inst *Instance, values map[string]any) error {
	if err := inst.Update(values); err != nil {
		return err
	}
	return mg.Save(ctx, inst)
}

// Get returns the row with primary key pk
func (mg *Manager) Get(ctx context.Context, pk any, opts ...QueryOption) (*Instance, error) {
	return mg.getBy(ctx, "Get", map[string]any{mg.model.PrimaryKeyName(): pk}, opts)
}

// GetBy returns the first row matching filters
func (mg *Manager) GetBy(ctx context.Context, filters map[string]any, opts ...QueryOption) (*Instance, error) {
	return mg.getBy(ctx, "GetBy", filters, opts)
}

func (mg *Manager) getBy(ctx context.Context, op string, filters map[string]any, opts []QueryOption) (*Instance, error) {
	ctx = mg.annotate(ctx, op)
	o := applyQueryOptions(opts)
	o.limit = 1
	q, err := mg.newSelect(ctx, filters, o)
	if err != nil {
		return nil, err
	}
	rows, err := mg.scan(ctx, q, op)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{
			Code:    CodeNotFound,
			Message: "record not found",
			Op:      op,
			Model:   mg.model.name,
			Table:   mg.model.Table(),
			Cause:   ErrNotFound,
		}
	}
	return rows[0], nil
}

// Filter returns the rows matching filters. A nil filter value matches
// NULL, a slice matches any of its elements.
func (mg *Manager) Filter(ctx context.Context, filters map[string]any, opts ...QueryOption) ([]*Instance, error) {
	ctx = mg.annotate(ctx, "Filter")
	q, err := mg.newSelect(ctx, filters, applyQueryOptions(opts))
	if err != nil {
		return nil, err
	}
	return mg.scan(ctx, q, "Filter")
}

// All returns every row
func (mg *Manager) All(ctx context.Context, opts ...QueryOption) ([]*Instance, error) {
	return mg.Filter(ctx, nil, opts...)
}

// Count returns the number of rows matching filters
func (mg *Manager) Count(ctx context.Context, filters map[string]any, opts ...QueryOption) (int, error) {
	ctx = mg.annotate(ctx, "Count")
	q, err := mg.newSelect(ctx, filters, applyQueryOptions(opts))
	if err != nil {
		return 0, err
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, mg.wrap(err, "Count")
	}
	return n, nil
}

// Exists reports whether any row matches filters
func (mg *Manager) Exists(ctx context.Context, filters map[string]any, opts ...QueryOption) (bool, error) {
	ctx = mg.annotate(ctx, "Exists")
	q, err := mg.newSelect(ctx, filters, applyQueryOptions(opts))
	if err != nil {
		return false, err
	}
	ok, err := q.Exists(ctx)
	if err != nil {
		return false, mg.wrap(err, "Exists")
	}
	return ok, nil
}

// GetOrCreate returns the row matching filters, creating it from filters
// and defaults when there is none. The bool reports whether it was created.
func (mg *Manager) GetOrCreate(ctx context.Context, filters, defaults map[string]any) (*Instance, bool, error) {
	ctx = mg.annotate(ctx, "GetOrCreate")
	inst, err := mg.GetBy(ctx, filters)
	if err == nil {
		return inst, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}

	inst, err = mg.Create(ctx, merge(defaults, filters))
	if err != nil {
		// Created concurrently by someone else
		if IsDuplicate(err) {
			if found, retryErr := mg.GetBy(ctx, filters); retryErr == nil {
				return found, false, nil
			}
		}
		return nil, false, err
	}
	return inst, true, nil
}

// UpdateOrCreate updates the row matching filters with values, or creates
// it from both. The bool reports whether it was created.
func (mg *Manager) UpdateOrCreate(ctx context.Context, filters, values map[string]any) (*Instance, bool, error) {
	ctx = mg.annotate(ctx, "UpdateOrCreate")
	inst, err := mg.GetBy(ctx, filters)
	switch {
	case err == nil:
		if err := mg.Update(ctx, inst, values); err != nil {
			return nil, false, err
		}
		return inst, false, nil
	case !IsNotFound(err):
		return nil, false, err
	}

	inst, err = mg.Create(ctx, merge(values, filters))
	if err != nil {
		return nil, false, err
	}
	return inst, true, nil
}

// annotate marks ctx with the model operation its queries run for, unless
// an enclosing operation of this manager already did
func (mg *Manager) annotate(ctx context.Context, op string) context.Context {
	if cur, ok := hooks.OperationFrom(ctx); ok && cur.Model == mg.model.name {
		return ctx
	}
	return hooks.WithOperation(ctx, hooks.Operation{Model: mg.model.name, Op: op})
}

// owns checks inst belongs to the managed model or a model extending it
func (mg *Manager) owns(inst *Instance) error {
	if inst == nil || !inst.model.IsA(mg.model) {
		name := "<nil>"
		if inst != nil {
			name = inst.model.name
		}
		return &Error{
			Code:    CodeConfiguration,
			Message: fmt.Sprintf("instance of %s cannot be saved by a %s manager", name, mg.model.name),
			Op:      "Save",
			Model:   mg.model.name,
			Cause:   ErrInvalidConfig,
		}
	}
	return nil
}

// column returns the column a conventional Meta option names, "" when the
// model has no such column
func (mg *Manager) column(option string) string {
	return conventionalColumn(mg.model, option)
}

func conventionalColumn(m *Model, option string) string {
	name := m.meta.column(option)
	if name == "" || m.Column(name) == nil {
		return ""
	}
	return name
}

// prepareInsert fills the values the manager owns: timestamps, version,
// tenant and generated uuid keys
func (mg *Manager) prepareInsert(ctx context.Context, inst *Instance) error {
	now := mg.now()
	for _, opt := range []string{OptCreatedAt, OptUpdatedAt} {
		if col := mg.column(opt); col != "" && inst.values[col] == nil {
			inst.values[col] = now
		}
	}
	if col := mg.column(OptVersion); col != "" && inst.values[col] == nil {
		inst.values[col] = int64(1)
	}

	col, tenantID, err := tenantFor(ctx, inst.model)
	if err != nil {
		return err
	}
	if col != "" {
		if v := inst.values[col]; v != nil && v != tenantID {
			return &Error{
				Code:    CodeValidation,
				Message: fmt.Sprintf("instance belongs to tenant %v, not %s", v, tenantID),
				Op:      "Create",
				Model:   inst.model.name,
				Column:  col,
				Cause:   ErrValidation,
			}
		}
		inst.values[col] = tenantID
	}

	if pk := inst.model.PrimaryKey(); pk != nil && pk.Type == TypeUUID && inst.values[pk.Name] == nil {
		inst.values[pk.Name] = uuid.NewString()
	}
	return nil
}

func (mg *Manager) insert(ctx context.Context, inst *Instance) error {
	ctx = mg.annotate(ctx, "Create")
	if err := mg.prepareInsert(ctx, inst); err != nil {
		return err
	}
	if err := inst.Validate(false); err != nil {
		return err
	}

	m := inst.model
	for i, l := range m.layout() {
		vals := make(map[string]any)
		for _, c := range l.columns {
			if i > 0 && c.PrimaryKey && c.ForeignKey != nil {
				// joined subclass key, taken from the row just inserted
				vals[c.Name] = inst.values[c.ForeignKey.Column]
				continue
			}
			if v, ok := inst.values[c.Name]; ok {
				vals[c.Name] = v
			}
		}

		out := make(map[string]any)
		var err error
		if len(vals) == 0 {
			err = mg.db.NewRaw("INSERT INTO ? DEFAULT VALUES RETURNING *", bun.Ident(l.table)).Scan(ctx, &out)
		} else {
			_, err = mg.db.NewInsert().Model(&vals).Table(l.table).Returning("*").Exec(ctx, &out)
		}
		if err != nil {
			return mg.wrapTable(err, "Create", l.table)
		}
		for k, v := range out {
			if m.Column(k) != nil {
				inst.values[k] = normalize(v)
			}
		}
	}
	inst.markPersisted()

	mg.logger.DebugContext(ctx, "row created",
		slog.String("model", m.name),
		slog.Any("pk", inst.PK()),
	)
	return mg.audit.emit(ctx, AuditActionCreate, inst, nil, inst.Values())
}

func (mg *Manager) update(ctx context.Context, inst *Instance) error {
	changed := inst.Changed()
	if len(changed) == 0 {
		return nil
	}
	if err := inst.Validate(false); err != nil {
		return err
	}
	set := make(map[string]any, len(changed))
	for _, c := range changed {
		set[c] = inst.values[c]
	}
	return mg.write(ctx, inst, set, "Update", AuditActionUpdate)
}

// write updates the columns in set across the model's tables, bumping
// updated_at and the version, and checking the version it was loaded with.
func (mg *Manager) write(ctx context.Context, inst *Instance, set map[string]any, op string, action AuditAction) error {
	ctx = mg.annotate(ctx, op)
	m := inst.model
	now := mg.now()
	for _, c := range m.AllColumns() {
		if c.UpdateNow {
			if _, ok := set[c.Name]; !ok {
				set[c.Name] = now
			}
		}
	}
	if col := mg.column(OptUpdatedAt); col != "" {
		if _, ok := set[col]; !ok {
			set[col] = now
		}
	}

	versionCol := mg.column(OptVersion)
	var expected int64
	if versionCol != "" {
		expected, _ = inst.original[versionCol].(int64)
		set[versionCol] = expected + 1
	}

	tenantCol, tenantID, err := tenantFor(ctx, m)
	if err != nil {
		return err
	}

	for _, l := range m.layout() {
		vals := make(map[string]any)
		for _, c := range l.columns {
			if v, ok := set[c.Name]; ok {
				vals[c.Name] = v
			}
		}
		if len(vals) == 0 {
			continue
		}

		q := mg.db.NewUpdate().Model(&vals).Table(l.table)
		for _, pk := range layerKeys(l) {
			q = q.Where("? = ?", bun.Ident(pk), inst.original[pk])
		}
		versioned := versionCol != "" && findColumn(l.columns, versionCol) != nil
		if versioned {
			q = q.Where("? = ?", bun.Ident(versionCol), expected)
		}
		if tenantCol != "" && findColumn(l.columns, tenantCol) != nil {
			q = q.Where("? = ?", bun.Ident(tenantCol), tenantID)
		}

		res, err := q.Exec(ctx)
		if err != nil {
			return mg.wrapTable(err, op, l.table)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			if versioned {
				return conflictError(op, m, l.table)
			}
			return &Error{Code: CodeNotFound, Message: "record not found", Op: op, Model: m.name, Table: l.table, Cause: ErrNotFound}
		}
	}

	old := inst.original
	for k, v := range set {
		inst.values[k] = normalize(v)
	}
	inst.markPersisted()

	mg.logger.DebugContext(ctx, "row updated",
		slog.String("model", m.name),
		slog.Any("pk", inst.PK()),
		slog.Int("columns", len(set)),
	)
	return mg.audit.emit(ctx, action, inst, old, inst.Values())
}

// layerKeys returns the primary key columns of one table of a layout
func layerKeys(l tableLayout) []string {
	var keys []string
	for _, c := range l.columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	for _, name := range l.owner.primaryKey {
		if findColumn(l.columns, name) != nil && !containsString(keys, name) {
			keys = append(keys, name)
		}
	}
	return keys
}

func (mg *Manager) wrap(err error, op string) error {
	return mg.wrapTable(err, op, mg.model.Table())
}

func (mg *Manager) wrapTable(err error, op, table string) error {
	err = wrapError(err, op)
	var e *Error
	if errors.As(err, &e) {
		if e.Model == "" {
			e.Model = mg.model.name
		}
		if e.Table == "" {
			e.Table = table
		}
	}
	return err
}

func merge(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
