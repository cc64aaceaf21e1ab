package modelkit

import (
	"context"
	"log/slog"
	"slices"

	"github.com/uptrace/bun"
)

// Delete removes inst. Models with a deleted_at column are soft deleted:
// the column is set and reads skip the row until it is restored.
//
// Usage:
//
//	err := mgr.Delete(ctx, user)
func (mg *Manager) Delete(ctx context.Context, inst *Instance) error {
	if err := mg.saved(inst, "Delete"); err != nil {
		return err
	}
	col := conventionalColumn(inst.model, OptDeletedAt)
	if col == "" {
		return mg.HardDelete(ctx, inst)
	}
	return mg.write(ctx, inst, map[string]any{col: mg.now()}, "Delete", AuditActionDelete)
}

// Restore clears the deleted_at mark of a soft-deleted instance.
//
// Usage:
//
//	user, _ := mgr.Get(ctx, id, modelkit.OnlyDeleted())
//	err := mgr.Restore(ctx, user)
func (mg *Manager) Restore(ctx context.Context, inst *Instance) error {
	if err := mg.saved(inst, "Restore"); err != nil {
		return err
	}
	col := conventionalColumn(inst.model, OptDeletedAt)
	if col == "" {
		return &Error{
			Code:    CodeConfiguration,
			Message: "model has no deleted_at column",
			Op:      "Restore",
			Model:   inst.model.name,
			Cause:   ErrInvalidConfig,
		}
	}
	return mg.write(ctx, inst, map[string]any{col: nil}, "Restore", AuditActionRestore)
}

// HardDelete permanently removes the rows of inst, the most derived table
// first.
//
// Usage:
//
//	err := mgr.HardDelete(ctx, user)
func (mg *Manager) HardDelete(ctx context.Context, inst *Instance) error {
	if err := mg.saved(inst, "HardDelete"); err != nil {
		return err
	}
	ctx = mg.annotate(ctx, "HardDelete")
	m := inst.model
	tenantCol, tenantID, err := tenantFor(ctx, m)
	if err != nil {
		return err
	}

	layout := m.layout()
	for _, l := range slices.Backward(layout) {
		q := mg.db.NewDelete().Table(l.table)
		for _, pk := range layerKeys(l) {
			q = q.Where("? = ?", bun.Ident(pk), inst.original[pk])
		}
		if tenantCol != "" && findColumn(l.columns, tenantCol) != nil {
			q = q.Where("? = ?", bun.Ident(tenantCol), tenantID)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return mg.wrapTable(err, "HardDelete", l.table)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return &Error{Code: CodeNotFound, Message: "record not found", Op: "HardDelete", Model: m.name, Table: l.table, Cause: ErrNotFound}
		}
	}

	old := inst.original
	inst.persisted = false
	inst.original = nil

	mg.logger.DebugContext(ctx, "row deleted",
		slog.String("model", m.name),
		slog.Any("pk", inst.PK()),
	)
	return mg.audit.emit(ctx, AuditActionDelete, inst, old, nil)
}

// IsDeleted reports whether inst carries a soft delete mark
func (i *Instance) IsDeleted() bool {
	col := conventionalColumn(i.model, OptDeletedAt)
	return col != "" && i.values[col] != nil
}

// saved checks inst was loaded or saved by this manager's model
func (mg *Manager) saved(inst *Instance, op string) error {
	if err := mg.owns(inst); err != nil {
		return err
	}
	if inst.IsNew() {
		return &Error{
			Code:    CodeValidation,
			Message: "instance was never saved",
			Op:      op,
			Model:   inst.model.name,
			Cause:   ErrValidation,
		}
	}
	return nil
}

// NotDeleted returns a query modifier skipping rows with column set, for
// queries built directly on bun.
//
// Usage:
//
//	db.NewSelect().Table("users").Apply(modelkit.NotDeleted("deleted_at")).Scan(ctx, &rows)
func NotDeleted(column string) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("? IS NULL", bun.Ident(column))
	}
}
