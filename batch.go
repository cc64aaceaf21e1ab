package modelkit

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

// BatchSize is the default batch size for batch operations.
const BatchSize = 100

// SaveAll validates every instance, then saves them. New instances of models
// stored in a single table are inserted in batches of the manager's batch
// size, grouped by the columns they set; the rest are saved one by one.
// Validation failures are reported before anything is written.
//
// Usage:
//
//	err := mgr.SaveAll(ctx, []*modelkit.Instance{a, b, c})
func (mg *Manager) SaveAll(ctx context.Context, instances []*Instance) error {
	if len(instances) == 0 {
		return nil
	}

	groups := make(map[string][]*Instance)
	var keys []string
	var rest []*Instance
	for _, inst := range instances {
		if err := mg.owns(inst); err != nil {
			return err
		}
		if !inst.IsNew() || len(inst.model.layout()) > 1 {
			rest = append(rest, inst)
			continue
		}
		if err := mg.prepareInsert(ctx, inst); err != nil {
			return err
		}
		key := columnSet(inst.values)
		if key == "" {
			rest = append(rest, inst)
			continue
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], inst)
	}
	for _, inst := range instances {
		if err := inst.Validate(false); err != nil {
			return err
		}
	}

	for _, key := range keys {
		for batch := range slices.Chunk(groups[key], mg.batchSize) {
			if err := mg.insertBatch(ctx, batch); err != nil {
				return err
			}
		}
	}
	for _, inst := range rest {
		if err := mg.Save(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// insertBatch inserts instances sharing a column set with one statement
func (mg *Manager) insertBatch(ctx context.Context, batch []*Instance) error {
	ctx = mg.annotate(ctx, "SaveAll")
	m := batch[0].model
	table := m.layout()[0].table
	rows := make([]map[string]any, len(batch))
	for i, inst := range batch {
		rows[i] = inst.Values()
	}

	var out []map[string]any
	if _, err := mg.db.NewInsert().Model(&rows).Table(table).Returning("*").Exec(ctx, &out); err != nil {
		return mg.wrapTable(err, "SaveAll", table)
	}
	for i, inst := range batch {
		if i < len(out) {
			for k, v := range out[i] {
				if inst.model.Column(k) != nil {
					inst.values[k] = normalize(v)
				}
			}
		}
		inst.markPersisted()
		if err := mg.audit.emit(ctx, AuditActionCreate, inst, nil, inst.Values()); err != nil {
			return err
		}
	}

	mg.logger.DebugContext(ctx, "rows created",
		slog.String("model", m.name),
		slog.Int("count", len(batch)),
	)
	return nil
}

// DeleteAll deletes every instance, soft or hard as Delete does
func (mg *Manager) DeleteAll(ctx context.Context, instances []*Instance) error {
	for _, inst := range instances {
		if err := mg.Delete(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// HardDeleteByPK permanently removes the rows with the given primary keys
// in batches and returns the number of rows removed. Models stored across
// several tables are deleted row by row.
//
// Usage:
//
//	n, err := mgr.HardDeleteByPK(ctx, 1, 2, 3)
func (mg *Manager) HardDeleteByPK(ctx context.Context, pks ...any) (int64, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	ctx = mg.annotate(ctx, "HardDeleteByPK")
	m := mg.model
	pk := m.PrimaryKeyName()

	if len(m.layout()) > 1 {
		var total int64
		for _, id := range pks {
			inst, err := mg.Get(ctx, id, WithDeleted())
			if err != nil {
				return total, err
			}
			if err := mg.HardDelete(ctx, inst); err != nil {
				return total, err
			}
			total++
		}
		return total, nil
	}

	tenantCol, tenantID, err := tenantFor(ctx, m)
	if err != nil {
		return 0, err
	}
	var total int64
	for batch := range slices.Chunk(pks, mg.batchSize) {
		q := mg.db.NewDelete().
			Table(m.Table()).
			Where("? IN (?)", bun.Ident(pk), bun.In(batch))
		if tenantCol != "" {
			q = q.Where("? = ?", bun.Ident(tenantCol), tenantID)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return total, mg.wrap(err, "HardDeleteByPK")
		}
		rows, _ := res.RowsAffected()
		total += rows
	}
	return total, nil
}

// columnSet is the sorted, comma joined set of columns in values
func columnSet(values map[string]any) string {
	cols := make([]string, 0, len(values))
	for k := range values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return strings.Join(cols, ",")
}
