package modelkit

import (
	"context"
	"fmt"
)

// conflictError reports a versioned write that matched no row: another
// writer bumped the version since the instance was loaded.
func conflictError(op string, m *Model, table string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: "optimistic locking conflict - record was modified",
		Op:      op,
		Model:   m.name,
		Table:   table,
		Cause:   ErrConflict,
	}
}

// Version returns the version column value of inst, 0 when the model is not
// versioned or the instance was never saved.
func (i *Instance) Version() int64 {
	col := conventionalColumn(i.model, OptVersion)
	if col == "" {
		return 0
	}
	v, _ := i.values[col].(int64)
	return v
}

// CheckVersion verifies the stored row of inst still carries the version it
// was loaded with.
//
// Usage:
//
//	if err := mgr.CheckVersion(ctx, account); modelkit.IsConflict(err) {
//	    // reload required
//	}
func (mg *Manager) CheckVersion(ctx context.Context, inst *Instance) error {
	col := conventionalColumn(inst.model, OptVersion)
	if col == "" {
		return nil
	}
	ctx = mg.annotate(ctx, "CheckVersion")
	current, err := mg.Get(ctx, inst.original[inst.model.PrimaryKeyName()], WithDeleted())
	if err != nil {
		return err
	}
	if current.Get(col) != inst.original[col] {
		e := conflictError("CheckVersion", inst.model, inst.model.tableOf(col))
		e.Detail = fmt.Sprintf("stored version %v, loaded %v", current.Get(col), inst.original[col])
		return e
	}
	return nil
}

// Reload replaces the values of inst with its stored row
func (mg *Manager) Reload(ctx context.Context, inst *Instance) error {
	if err := mg.saved(inst, "Reload"); err != nil {
		return err
	}
	fresh, err := mg.Get(mg.annotate(ctx, "Reload"), inst.original[inst.model.PrimaryKeyName()], WithDeleted())
	if err != nil {
		return err
	}
	inst.values = fresh.values
	inst.markPersisted()
	return nil
}

// RetryOnConflict executes a function and retries on optimistic locking conflicts.
// The function should reload the instance and retry the operation.
//
// Usage:
//
//	err := modelkit.RetryOnConflict(ctx, 3, func() error {
//	    if err := mgr.Reload(ctx, account); err != nil {
//	        return err
//	    }
//	    account.Set("balance", account.Get("balance").(int64)+100)
//	    return mgr.Save(ctx, account)
//	})
func RetryOnConflict(ctx context.Context, maxRetries int, fn func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
