package modelkit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fernandezvara/modelkit/hooks"
)

// EntryState is the mapping state of a registered model
type EntryState string

const (
	StatePending     EntryState = "pending"
	StateInitialized EntryState = "initialized"
	StateSkipped     EntryState = "skipped"
)

// Entry is the registry's record of one model
type Entry struct {
	Model *Model
	State EntryState
}

// RegistryStats summarizes the registry
type RegistryStats struct {
	Models      int `json:"models" yaml:"models"`
	Pending     int `json:"pending" yaml:"pending"`
	Initialized int `json:"initialized" yaml:"initialized"`
	Skipped     int `json:"skipped" yaml:"skipped"`
}

// Registry builds models and tracks them by name in discovery order. It owns
// the abstract root model every definition extends by default.
type Registry struct {
	// ShouldInitialize, when set, is consulted for every pending entry during
	// FinalizeMappings. Entries it rejects are marked skipped and reconsidered
	// by the next FinalizeMappings call.
	ShouldInitialize func(*Entry) bool

	mu      sync.RWMutex
	cfg     RegistryConfig
	root    *Model
	bases   []*Model
	entries map[string]*Entry
	order   []string

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *hooks.RegistryMetrics
}

// NewRegistry creates a registry and builds its root model
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	cfg.applyDefaults()

	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("modelkit")
	}
	if cfg.MetricsRegistry != nil {
		m, err := hooks.NewRegistryMetrics(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("modelkit: failed to create registry metrics: %w", err)
		}
		r.metrics = m
	}

	root, err := r.build(Definition{
		Name:     "Model",
		Abstract: true,
		Meta: MetaBlock{
			OptRepr: []string{cfg.DefaultPrimaryKey, OptCreatedAt, OptUpdatedAt},
		},
	}, nil)
	if err != nil {
		return nil, err
	}
	r.root = root
	return r, nil
}

// Config returns the registry configuration with defaults applied
func (r *Registry) Config() RegistryConfig {
	return r.cfg
}

// Root returns the registry's own abstract root model
func (r *Registry) Root() *Model {
	return r.root
}

// Base returns the model definitions extend when they name no base: the
// last model passed to RegisterBaseModel, else the root model.
func (r *Registry) Base() *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.base()
}

func (r *Registry) base() *Model {
	if n := len(r.bases); n > 0 {
		return r.bases[n-1]
	}
	return r.root
}

// RegisterBaseModel makes m the default base of later definitions. m must
// be abstract.
func (r *Registry) RegisterBaseModel(m *Model) error {
	if m == nil || !m.IsAbstract() {
		name := "<nil>"
		if m != nil {
			name = m.Name()
		}
		return configErrorf(name, "", "only abstract models can be registered as base models")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bases = append(r.bases, m)
	return nil
}

// Build resolves def into a model and registers it. Abstract models are
// returned without being registered.
func (r *Registry) Build(def Definition) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := def.Base
	if base == nil {
		base = r.base()
	}
	if existing, ok := r.entries[def.Name]; ok && !base.IsA(existing.Model) {
		return nil, configErrorf(def.Name, "", "a model named %s is already registered; extend it to override it", def.Name)
	}

	m, err := r.build(def, base)
	if err != nil {
		r.logger.Debug("model definition rejected", slog.String("model", def.Name), slog.String("error", err.Error()))
		return nil, err
	}
	if m.IsAbstract() {
		return m, nil
	}
	if err := r.register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Registry) register(m *Model) error {
	entry, ok := r.entries[m.name]
	var prev Entry
	if ok {
		prev = *entry
		entry.Model = m
		entry.State = StatePending
	} else {
		entry = &Entry{Model: m, State: StatePending}
		r.entries[m.name] = entry
		r.order = append(r.order, m.name)
	}

	r.resolveForeignKeys(m)
	state := StatePending
	if r.eager(entry) {
		if err := r.mapEntry(entry); err != nil {
			r.unregister(entry, ok, prev)
			return err
		}
		state = StateInitialized
	}
	r.metrics.Registered(string(state))
	r.logger.Debug("model registered",
		slog.String("model", m.name),
		slog.String("table", m.table),
		slog.String("state", string(state)),
	)

	// m may be the target other pending models were waiting for
	for _, name := range r.order {
		e := r.entries[name]
		if e.State == StateInitialized {
			continue
		}
		r.resolveForeignKeys(e.Model)
	}

	// Map pending models whose dependencies are now all mapped, until none
	// is left
	for progressed := true; progressed; {
		progressed = false
		for _, name := range r.order {
			e := r.entries[name]
			if e == entry || e.State != StatePending || !r.eager(e) {
				continue
			}
			if err := r.mapEntry(e); err != nil {
				return err
			}
			progressed = true
		}
	}
	return nil
}

// unregister undoes a failed register: a new entry is dropped, an
// overridden one gets its previous model and state back
func (r *Registry) unregister(entry *Entry, existed bool, prev Entry) {
	if existed {
		*entry = prev
		return
	}
	delete(r.entries, entry.Model.name)
	r.order = slices.DeleteFunc(r.order, func(name string) bool { return name == entry.Model.name })
}

// eager reports whether e can be mapped as soon as it is registered
func (r *Registry) eager(e *Entry) bool {
	if r.cfg.EnableLazyMapping && e.Model.meta.LazyMapped() {
		return false
	}
	if len(e.Model.unresolvedForeignKeys()) > 0 {
		return false
	}
	for _, dep := range r.dependencies(e.Model) {
		if dep.State != StateInitialized {
			return false
		}
	}
	return true
}

func (r *Registry) mapEntry(e *Entry) error {
	err := r.cfg.Mapper.Map(e.Model)
	r.metrics.Mapped(err)
	if err != nil {
		return &Error{
			Code:    CodeConfiguration,
			Message: "failed to map model",
			Op:      "Map",
			Model:   e.Model.name,
			Table:   e.Model.table,
			Cause:   err,
		}
	}
	e.State = StateInitialized
	return nil
}

// lookup finds a registered model by name, then by table
func (r *Registry) lookup(target string) *Model {
	if e, ok := r.entries[target]; ok {
		return e.Model
	}
	for _, name := range r.order {
		if m := r.entries[name].Model; m.table == target {
			return m
		}
	}
	return nil
}

// resolveForeignKeys resolves every foreign key of m whose target is known
func (r *Registry) resolveForeignKeys(m *Model) {
	for _, col := range m.unresolvedForeignKeys() {
		target := r.lookup(col.ForeignKey.Target)
		if target == nil {
			continue
		}
		if err := resolveForeignKey(m.name, col, target); err != nil {
			r.logger.Debug("foreign key not resolved",
				slog.String("model", m.name),
				slog.String("column", col.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// FinalizeMappings resolves the remaining foreign keys and maps every
// pending model, foreign key targets and polymorphic bases first. It
// returns the initialized models by name.
func (r *Registry) FinalizeMappings(ctx context.Context) (map[string]*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer r.metrics.Finalized(start)

	_, span := r.tracer.Start(ctx, "modelkit.FinalizeMappings")
	defer span.End()

	err := r.finalize()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make(map[string]*Model)
	stats := r.stats()
	for _, name := range r.order {
		if e := r.entries[name]; e.State == StateInitialized {
			out[name] = e.Model
		}
	}
	span.SetAttributes(
		attribute.Int("modelkit.models", stats.Models),
		attribute.Int("modelkit.initialized", stats.Initialized),
		attribute.Int("modelkit.skipped", stats.Skipped),
	)
	span.SetStatus(codes.Ok, "")

	r.logger.InfoContext(ctx, "model mappings finalized",
		slog.Int("models", stats.Models),
		slog.Int("initialized", stats.Initialized),
		slog.Int("skipped", stats.Skipped),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (r *Registry) finalize() error {
	for _, name := range r.order {
		e := r.entries[name]
		if e.State == StateInitialized {
			continue
		}
		r.resolveForeignKeys(e.Model)
		for _, col := range e.Model.unresolvedForeignKeys() {
			if target := r.lookup(col.ForeignKey.Target); target != nil {
				return resolveForeignKey(e.Model.name, col, target)
			}
			return configErrorf(e.Model.name, col.Name,
				"foreign key target %s is not a registered model or table", col.ForeignKey.Target)
		}
	}

	for _, e := range r.finalizeOrder() {
		if r.ShouldInitialize != nil && !r.ShouldInitialize(e) {
			e.State = StateSkipped
			r.logger.Debug("model mapping skipped", slog.String("model", e.Model.name))
			continue
		}
		if dep := r.skippedDependency(e.Model); dep != nil {
			e.State = StateSkipped
			r.logger.Debug("model mapping skipped",
				slog.String("model", e.Model.name),
				slog.String("dependency", dep.Model.name),
			)
			continue
		}
		if err := r.mapEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// finalizeOrder returns the entries still to map, each after the models it
// depends on. Dependency cycles keep discovery order.
func (r *Registry) finalizeOrder() []*Entry {
	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int)
	var out []*Entry

	var visit func(e *Entry)
	visit = func(e *Entry) {
		if marks[e.Model.name] != 0 {
			return
		}
		marks[e.Model.name] = visiting
		for _, dep := range r.dependencies(e.Model) {
			if dep.State != StateInitialized {
				visit(dep)
			}
		}
		marks[e.Model.name] = done
		out = append(out, e)
	}

	for _, name := range r.order {
		if e := r.entries[name]; e.State != StateInitialized {
			visit(e)
		}
	}
	return out
}

// skippedDependency returns the first dependency of m left unmapped by
// finalization
func (r *Registry) skippedDependency(m *Model) *Entry {
	for _, dep := range r.dependencies(m) {
		if dep.State == StateSkipped {
			return dep
		}
	}
	return nil
}

func (r *Registry) dependencies(m *Model) []*Entry {
	var deps []*Entry
	if m.base != nil {
		if e, ok := r.entries[m.base.name]; ok && e.Model == m.base {
			deps = append(deps, e)
		}
	}
	for _, col := range m.ForeignKeys() {
		target := r.lookup(col.ForeignKey.Target)
		if target == nil || target == m {
			continue
		}
		if e, ok := r.entries[target.name]; ok {
			deps = append(deps, e)
		}
	}
	return deps
}

// Model returns the registered model called name
func (r *Registry) Model(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.Model, true
}

// Entry returns a copy of the entry of the model called name
func (r *Registry) Entry(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Models returns every registered model in discovery order
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Model)
	}
	return out
}

// Initialized returns the mapped models in discovery order
func (r *Registry) Initialized() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Model
	for _, name := range r.order {
		if e := r.entries[name]; e.State == StateInitialized {
			out = append(out, e.Model)
		}
	}
	return out
}

// Pending returns the names of the models not mapped yet
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.entries[name].State != StateInitialized {
			out = append(out, name)
		}
	}
	return out
}

// Stats returns entry counts by state
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats()
}

func (r *Registry) stats() RegistryStats {
	s := RegistryStats{Models: len(r.order)}
	for _, e := range r.entries {
		switch e.State {
		case StatePending:
			s.Pending++
		case StateInitialized:
			s.Initialized++
		case StateSkipped:
			s.Skipped++
		}
	}
	return s
}

// Reset forgets every registered model and base model. The root model is
// kept. Models built before Reset stay usable but are no longer tracked.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
	r.order = nil
	r.bases = nil
	r.logger.Debug("model registry reset")
}
