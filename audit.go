package modelkit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/uptrace/bun"
)

// AuditAction is what a manager did to a row
type AuditAction string

const (
	AuditActionCreate  AuditAction = "CREATE"
	AuditActionUpdate  AuditAction = "UPDATE"
	AuditActionDelete  AuditAction = "DELETE"
	AuditActionRestore AuditAction = "RESTORE"
)

// Actor identifies who triggered a write
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

type actorKey struct{}

// WithActor attaches the acting user to ctx for the audit entries of the
// writes made with it
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or the zero Actor
func ActorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

// AuditEntry describes one audited write
type AuditEntry struct {
	Action    AuditAction     `json:"action"`
	Model     string          `json:"model"`
	TableName string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Changed   []string        `json:"changed,omitempty"` // columns whose value differs between old and new
	OldData   json.RawMessage `json:"old_data,omitempty"`
	NewData   json.RawMessage `json:"new_data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditHandler stores or forwards audit entries. A handler error fails the
// write that produced the entry.
type AuditHandler func(ctx context.Context, entry *AuditEntry) error

// AuditConfig configures the audit entries a Manager emits
type AuditConfig struct {
	Handler AuditHandler

	IncludeOldData bool // row values before update and delete
	IncludeNewData bool // row values after create and update

	// Actor resolves the acting user (default: ActorFrom)
	Actor func(ctx context.Context) Actor

	// MetadataExtractor adds free-form metadata to each entry
	MetadataExtractor func(ctx context.Context) map[string]any
}

type auditor struct {
	config AuditConfig
	now    func() time.Time
}

func (a *auditor) enabled() bool {
	return a != nil && a.config.Handler != nil
}

func (a *auditor) emit(ctx context.Context, action AuditAction, inst *Instance, oldData, newData map[string]any) error {
	if !a.enabled() {
		return nil
	}
	m := inst.model

	resolve := a.config.Actor
	if resolve == nil {
		resolve = ActorFrom
	}
	actor := resolve(ctx)

	entry := &AuditEntry{
		Action:    action,
		Model:     m.name,
		TableName: m.Table(),
		RecordID:  fmt.Sprint(inst.PK()),
		Changed:   changedColumns(oldData, newData),
		UserID:    actor.UserID,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		CreatedAt: a.now(),
	}
	if a.config.MetadataExtractor != nil {
		if metadata := a.config.MetadataExtractor(ctx); len(metadata) > 0 {
			entry.Metadata, _ = json.Marshal(metadata)
		}
	}
	if a.config.IncludeOldData && oldData != nil {
		entry.OldData, _ = json.Marshal(oldData)
	}
	if a.config.IncludeNewData && newData != nil {
		entry.NewData, _ = json.Marshal(newData)
	}

	if err := a.config.Handler(ctx, entry); err != nil {
		return &Error{Code: CodeUnknown, Message: "audit handler failed", Op: "Audit", Model: m.name, Table: m.Table(), Cause: err}
	}
	return nil
}

// changedColumns lists, sorted, the columns of an update whose values
// differ. Creates and deletes change nothing.
func changedColumns(oldData, newData map[string]any) []string {
	if oldData == nil || newData == nil {
		return nil
	}
	var out []string
	for name, v := range newData {
		if !reflect.DeepEqual(oldData[name], v) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// AuditLog is the row NewDatabaseAuditHandler writes; CreateAuditTable
// creates its table
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_logs,alias:al"`

	ID        string          `bun:"id,pk,type:uuid,default:gen_random_uuid()"`
	Action    AuditAction     `bun:"action,notnull,type:varchar(20)"`
	Model     string          `bun:"model,notnull"`
	TableName string          `bun:"table_name,notnull"`
	RecordID  string          `bun:"record_id,notnull"`
	Changed   []string        `bun:"changed,array"`
	OldData   json.RawMessage `bun:"old_data,type:jsonb"`
	NewData   json.RawMessage `bun:"new_data,type:jsonb"`
	UserID    string          `bun:"user_id"`
	IPAddress string          `bun:"ip_address,type:varchar(45)"`
	UserAgent string          `bun:"user_agent,type:text"`
	Metadata  json.RawMessage `bun:"metadata,type:jsonb"`
	CreatedAt time.Time       `bun:"created_at,notnull,default:current_timestamp"`
}

// CreateAuditTable creates the audit_logs table if it does not exist
func CreateAuditTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().Model((*AuditLog)(nil)).IfNotExists().Exec(ctx)
	return wrapError(err, "CreateAuditTable")
}

// NewDatabaseAuditHandler returns a handler inserting entries into
// audit_logs through db:
//
//	mgr, err := modelkit.NewManager(db, user, modelkit.WithAudit(modelkit.AuditConfig{
//	    Handler:        modelkit.NewDatabaseAuditHandler(db),
//	    IncludeNewData: true,
//	}))
func NewDatabaseAuditHandler(db bun.IDB) AuditHandler {
	return func(ctx context.Context, entry *AuditEntry) error {
		row := &AuditLog{
			Action:    entry.Action,
			Model:     entry.Model,
			TableName: entry.TableName,
			RecordID:  entry.RecordID,
			Changed:   entry.Changed,
			OldData:   entry.OldData,
			NewData:   entry.NewData,
			UserID:    entry.UserID,
			IPAddress: entry.IPAddress,
			UserAgent: entry.UserAgent,
			Metadata:  entry.Metadata,
			CreatedAt: entry.CreatedAt,
		}
		_, err := db.NewInsert().Model(row).Exec(ctx)
		return err
	}
}
