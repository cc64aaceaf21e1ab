package modelkit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/uptrace/bun"
)

// PageInfo contains pagination metadata.
type PageInfo struct {
	HasNextPage     bool   `json:"has_next_page"`
	HasPreviousPage bool   `json:"has_previous_page"`
	StartCursor     string `json:"start_cursor,omitempty"`
	EndCursor       string `json:"end_cursor,omitempty"`
	TotalCount      int    `json:"total_count,omitempty"`
}

// Page is an offset-paginated result.
type Page struct {
	Items      []*Instance `json:"-"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalItems int         `json:"total_items"`
	TotalPages int         `json:"total_pages"`
	PageInfo   PageInfo    `json:"page_info"`
}

// CursorPage is a cursor-paginated result.
type CursorPage struct {
	Items    []*Instance `json:"-"`
	PageInfo PageInfo    `json:"page_info"`
}

// DefaultPageSize is the default number of items per page.
const DefaultPageSize = 20

// MaxPageSize is the maximum allowed page size.
const MaxPageSize = 100

func clampPageSize(size int) int {
	if size < 1 {
		return DefaultPageSize
	}
	return min(size, MaxPageSize)
}

// Paginate returns page (1-indexed) of the rows matching filters, with the
// total count.
//
// Usage:
//
//	page, err := mgr.Paginate(ctx, 2, 10, map[string]any{"active": true}, modelkit.OrderBy("-created_at"))
func (mg *Manager) Paginate(ctx context.Context, page, pageSize int, filters map[string]any, opts ...QueryOption) (*Page, error) {
	ctx = mg.annotate(ctx, "Paginate")
	if page < 1 {
		page = 1
	}
	pageSize = clampPageSize(pageSize)

	total, err := mg.Count(ctx, filters, opts...)
	if err != nil {
		return nil, err
	}

	o := applyQueryOptions(opts)
	o.limit = pageSize
	o.offset = (page - 1) * pageSize
	q, err := mg.newSelect(ctx, filters, o)
	if err != nil {
		return nil, err
	}
	items, err := mg.scan(ctx, q, "Paginate")
	if err != nil {
		return nil, err
	}

	totalPages := max((total+pageSize-1)/pageSize, 1)
	return &Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
		PageInfo: PageInfo{
			HasNextPage:     page < totalPages,
			HasPreviousPage: page > 1,
			TotalCount:      total,
		},
	}, nil
}

// Cursor represents a pagination cursor.
type Cursor struct {
	ID any `json:"id"`
}

// EncodeCursor encodes a primary key value to a base64 cursor.
func EncodeCursor(id any) string {
	data, _ := json.Marshal(Cursor{ID: id})
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor decodes a base64 cursor string. An empty cursor decodes to
// nil. Numeric keys decode as json.Number.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}

	var c Cursor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	return &c, nil
}

// cursorKey turns a decoded numeric key back into a number
func cursorKey(id any) any {
	n, ok := id.(json.Number)
	if !ok {
		return id
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// CursorPaginate returns up to limit rows after (forward) or before the
// cursor, ordered by primary key. Keyset pagination stays fast on large
// tables where offsets do not.
//
// Usage:
//
//	page, err := mgr.CursorPaginate(ctx, after, 10, true, nil)
//	next, err := mgr.CursorPaginate(ctx, page.PageInfo.EndCursor, 10, true, nil)
func (mg *Manager) CursorPaginate(ctx context.Context, cursor string, limit int, forward bool, filters map[string]any, opts ...QueryOption) (*CursorPage, error) {
	ctx = mg.annotate(ctx, "CursorPaginate")
	limit = clampPageSize(limit)
	c, err := DecodeCursor(cursor)
	if err != nil {
		return nil, &Error{Code: CodeValidation, Message: err.Error(), Op: "CursorPaginate", Model: mg.model.name, Cause: ErrValidation}
	}

	m := mg.model
	pk := m.PrimaryKeyName()
	table := m.tableOf(pk)

	o := applyQueryOptions(opts)
	o.limit = limit + 1
	o.order = nil
	q, err := mg.newSelect(ctx, filters, o)
	if err != nil {
		return nil, err
	}
	dir, cmp := "ASC", ">"
	if !forward {
		dir, cmp = "DESC", "<"
	}
	if c != nil {
		q = q.Where("?.? "+cmp+" ?", bun.Ident(table), bun.Ident(pk), cursorKey(c.ID))
	}
	q = q.OrderExpr("?.? "+dir, bun.Ident(table), bun.Ident(pk))

	items, err := mg.scan(ctx, q, "CursorPaginate")
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if !forward {
		slices.Reverse(items)
	}

	info := PageInfo{}
	if len(items) > 0 {
		info.StartCursor = EncodeCursor(items[0].PK())
		info.EndCursor = EncodeCursor(items[len(items)-1].PK())
	}
	if forward {
		info.HasNextPage = hasMore
		info.HasPreviousPage = c != nil
	} else {
		info.HasPreviousPage = hasMore
		info.HasNextPage = c != nil
	}
	return &CursorPage{Items: items, PageInfo: info}, nil
}
