package modelkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestAuditor_Disabled(t *testing.T) {
	var a *auditor
	if a.enabled() {
		t.Error("A nil auditor is disabled")
	}
	if (&auditor{}).enabled() {
		t.Error("An auditor without handler is disabled")
	}
	if err := a.emit(context.Background(), AuditActionCreate, nil, nil, nil); err != nil {
		t.Errorf("Expected no error without a handler, got %v", err)
	}
}

func TestAuditor_Emit(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	inst := user.load(map[string]any{"id": int64(7), "email": "ann@example.com"})

	var captured *AuditEntry
	a := &auditor{
		config: AuditConfig{
			Handler: func(ctx context.Context, entry *AuditEntry) error {
				captured = entry
				return nil
			},
			Actor: func(ctx context.Context) Actor { return Actor{UserID: "service-account"} },
		},
		now: func() time.Time { return fixedNow },
	}

	err := a.emit(context.Background(), AuditActionDelete, inst, inst.Values(), nil)
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if captured == nil {
		t.Fatal("Handler was not called")
	}
	if captured.Action != AuditActionDelete || captured.RecordID != "7" || captured.TableName != "user" {
		t.Errorf("Unexpected entry %+v", captured)
	}
	if captured.UserID != "service-account" {
		t.Errorf("Expected the custom actor to be used, got %s", captured.UserID)
	}
	if captured.Changed != nil {
		t.Errorf("Deletes change no columns, got %v", captured.Changed)
	}
	if captured.OldData != nil || captured.NewData != nil {
		t.Error("Data is only included when configured")
	}
}

func TestActorContext(t *testing.T) {
	if got := ActorFrom(context.Background()); got != (Actor{}) {
		t.Errorf("Expected the zero actor, got %+v", got)
	}

	actor := Actor{UserID: "user-123", IPAddress: "192.168.1.1", UserAgent: "Mozilla/5.0"}
	ctx := WithActor(context.Background(), actor)
	if got := ActorFrom(ctx); got != actor {
		t.Errorf("Expected %+v, got %+v", actor, got)
	}
}

func TestChangedColumns(t *testing.T) {
	old := map[string]any{"id": int64(1), "name": nil, "email": "a@example.com"}
	fresh := map[string]any{"id": int64(1), "name": "Ann", "email": "b@example.com"}

	got := changedColumns(old, fresh)
	if len(got) != 2 || got[0] != "email" || got[1] != "name" {
		t.Errorf("Expected [email name], got %v", got)
	}
	if changedColumns(nil, fresh) != nil || changedColumns(old, nil) != nil {
		t.Error("Creates and deletes have no changed columns")
	}
}

func TestCreateAuditTable(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(escape(`CREATE TABLE IF NOT EXISTS "audit_logs"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, CreateAuditTable(context.Background(), db))
}

func TestNewDatabaseAuditHandler(t *testing.T) {
	db, mock := newMockDB(t)
	handler := NewDatabaseAuditHandler(db)

	mock.ExpectQuery(escape(`INSERT INTO "audit_logs"`) + ".+" + escape(`'CREATE', 'User', 'user', '1'`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("0b6e4c1e-7f1c-4a59-9d0b-6f0a3c2f7a11"))
	mock.ExpectQuery(escape(`INSERT INTO "audit_logs"`)).
		WillReturnError(errors.New("relation \"audit_logs\" does not exist"))

	entry := &AuditEntry{
		Action:    AuditActionCreate,
		Model:     "User",
		TableName: "user",
		RecordID:  "1",
		CreatedAt: fixedNow,
	}
	require.NoError(t, handler(context.Background(), entry))
	require.Error(t, handler(context.Background(), entry))
}
