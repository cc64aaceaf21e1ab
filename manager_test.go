package modelkit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "name", "created_at", "updated_at"})
}

func TestNewManager_RejectsAbstractModels(t *testing.T) {
	r := newTestRegistry(t)
	db, _ := newMockDB(t)

	if _, err := NewManager(db, r.Root()); !IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
	if _, err := NewManager(db, nil); !IsConfigError(err) {
		t.Errorf("Expected config error for a nil model, got %v", err)
	}
}

func TestManager_Create(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	mock.ExpectQuery(escape(`INSERT INTO "user"`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", nil, fixedNow, fixedNow))

	inst, err := mgr.Create(context.Background(), map[string]any{"email": "ann@example.com"})
	require.NoError(t, err)

	assert.False(t, inst.IsNew())
	assert.Equal(t, int64(1), inst.PK())
	assert.Equal(t, fixedNow, inst.Get("created_at"))
	assert.Empty(t, inst.Changed())
}

func TestManager_CreateValidates(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, _ := newTestManager(t, user)

	_, err := mgr.Create(context.Background(), map[string]any{"name": "Ann"})
	if !IsValidation(err) {
		t.Errorf("Expected a validation error before any query, got %v", err)
	}
}

func TestManager_CreateDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	mock.ExpectQuery(escape(`INSERT INTO "user"`)).
		WillReturnError(pgError("23505", "user_email_key"))

	_, err := mgr.Create(context.Background(), map[string]any{"email": "ann@example.com"})
	require.True(t, IsDuplicate(err), "got %v", err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "Create", e.Op)
	assert.Equal(t, "User", e.Model)
	assert.Equal(t, "user", e.Table)
	constraint, _ := GetConstraint(err)
	assert.Equal(t, "user_email_key", constraint)
}

func TestManager_Get(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	mock.ExpectQuery(escape(`SELECT * FROM "user" WHERE ("user"."id" = 1) LIMIT 1`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", "Ann", fixedNow, fixedNow))

	inst, err := mgr.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Ann", inst.Get("name"))
	assert.False(t, inst.IsNew())
}

func TestManager_GetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	mock.ExpectQuery(escape(`SELECT * FROM "user" WHERE ("user"."id" = 42)`)).
		WillReturnRows(userRows())

	_, err := mgr.Get(context.Background(), 42)
	if !IsNotFound(err) {
		t.Fatalf("Expected not found, got %v", err)
	}
	code, _ := GetErrorCode(err)
	assert.Equal(t, CodeNotFound, code)
}

func TestManager_Filter(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	mock.ExpectQuery(escape(`WHERE ("user"."id" IN (1, 2)) AND ("user"."name" IS NULL) ORDER BY "user"."email" DESC LIMIT 5`)).
		WillReturnRows(userRows().
			AddRow(int64(1), "a@example.com", nil, fixedNow, fixedNow).
			AddRow(int64(2), "b@example.com", nil, fixedNow, fixedNow))

	rows, err := mgr.Filter(context.Background(),
		map[string]any{"id": []int{1, 2}, "name": nil},
		OrderBy("-email"), Limit(5),
	)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b@example.com", rows[1].Get("email"))
}

func TestManager_FilterUnknownColumn(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, _ := newTestManager(t, user)

	_, err := mgr.Filter(context.Background(), map[string]any{"nickname": "x"})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("Expected ErrUnknownColumn, got %v", err)
	}
	_, err = mgr.All(context.Background(), OrderBy("nickname"))
	if !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("Expected ErrUnknownColumn ordering by an unknown column, got %v", err)
	}
}

func TestManager_CountAndExists(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)
	ctx := context.Background()

	mock.ExpectQuery(escape(`SELECT count(*) FROM "user" WHERE ("user"."name" = 'Ann')`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(escape(`SELECT EXISTS (SELECT`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	n, err := mgr.Count(ctx, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err := mgr.Exists(ctx, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_Update(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	inst := user.load(map[string]any{"id": int64(1), "email": "ann@example.com", "name": "Ann"})

	mock.ExpectExec(escape(`UPDATE "user" SET `) + ".+" + escape(`WHERE ("id" = 1)`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, mgr.Update(context.Background(), inst, map[string]any{"name": "Anna"}))
	assert.Equal(t, "Anna", inst.Get("name"))
	assert.Equal(t, fixedNow, inst.Get("updated_at"), "updated_at is bumped")
	assert.Empty(t, inst.Changed())

	// Nothing changed, nothing written
	require.NoError(t, mgr.Save(context.Background(), inst))
}

func TestManager_UpdateMissingRow(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	inst := user.load(map[string]any{"id": int64(9), "email": "ann@example.com"})
	mock.ExpectExec(escape(`UPDATE "user"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	err := mgr.Update(context.Background(), inst, map[string]any{"name": "x"})
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestManager_OptimisticLocking(t *testing.T) {
	r := newTestRegistry(t)
	account := mustBuild(t, r, Definition{
		Name:    "Account",
		Columns: []*Column{Col("balance", TypeInteger)},
		Meta:    MetaBlock{OptVersion: true},
	})
	mgr, mock := newTestManager(t, account)
	ctx := context.Background()

	inst := account.load(map[string]any{"id": 1, "balance": 10, "version": 1})
	query := escape(`UPDATE "account" SET `) + ".+" + escape(`WHERE ("id" = 1) AND ("version" = 1)`)

	mock.ExpectExec(query).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(query).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, inst.Set("balance", 20))
	err := mgr.Save(ctx, inst)
	require.True(t, IsConflict(err), "got %v", err)
	assert.Equal(t, int64(1), inst.Version())

	require.NoError(t, mgr.Save(ctx, inst))
	assert.Equal(t, int64(2), inst.Version())
	assert.Equal(t, int64(20), inst.Get("balance"))
}

func TestManager_CheckVersion(t *testing.T) {
	r := newTestRegistry(t)
	account := mustBuild(t, r, Definition{
		Name:    "Account",
		Columns: []*Column{Col("balance", TypeInteger)},
		Meta:    MetaBlock{OptVersion: true},
	})
	mgr, mock := newTestManager(t, account)

	inst := account.load(map[string]any{"id": 1, "balance": 10, "version": 1})
	mock.ExpectQuery(escape(`FROM "account" WHERE ("account"."id" = 1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow(int64(1), int64(15), int64(2)))

	err := mgr.CheckVersion(context.Background(), inst)
	require.True(t, IsConflict(err), "got %v", err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "stored version 2, loaded 1", e.Detail)
}

func TestManager_SoftDelete(t *testing.T) {
	r := newTestRegistry(t)
	post := mustBuild(t, r, Definition{
		Name:    "Post",
		Columns: []*Column{Col("title", TypeString)},
		Meta:    MetaBlock{OptDeletedAt: true},
	})
	mgr, mock := newTestManager(t, post)
	ctx := context.Background()

	inst := post.load(map[string]any{"id": 3, "title": "Hello"})

	mock.ExpectExec(escape(`UPDATE "post" SET `) + ".+" + escape(`WHERE ("id" = 3)`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, mgr.Delete(ctx, inst))
	assert.True(t, inst.IsDeleted())
	assert.Equal(t, fixedNow, inst.Get("deleted_at"))

	mock.ExpectExec(escape(`UPDATE "post" SET `) + ".+" + escape(`WHERE ("id" = 3)`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, mgr.Restore(ctx, inst))
	assert.False(t, inst.IsDeleted())
}

func TestManager_SoftDeleteScopesReads(t *testing.T) {
	r := newTestRegistry(t)
	post := mustBuild(t, r, Definition{
		Name: "Post",
		Meta: MetaBlock{OptDeletedAt: true},
	})
	mgr, mock := newTestManager(t, post)
	ctx := context.Background()
	rows := func() *sqlmock.Rows { return sqlmock.NewRows([]string{"id"}) }

	mock.ExpectQuery("^" + escape(`SELECT * FROM "post" WHERE ("post"."deleted_at" IS NULL)`) + "$").WillReturnRows(rows())
	mock.ExpectQuery("^" + escape(`SELECT * FROM "post" WHERE ("post"."deleted_at" IS NOT NULL)`) + "$").WillReturnRows(rows())
	mock.ExpectQuery("^" + escape(`SELECT * FROM "post"`) + "$").WillReturnRows(rows())

	_, err := mgr.All(ctx)
	require.NoError(t, err)
	_, err = mgr.All(ctx, OnlyDeleted())
	require.NoError(t, err)
	_, err = mgr.All(ctx, WithDeleted())
	require.NoError(t, err)
}

func TestManager_RestoreWithoutDeletedAt(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, _ := newTestManager(t, user)

	inst := user.load(map[string]any{"id": int64(1)})
	if err := mgr.Restore(context.Background(), inst); !IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestManager_HardDelete(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)
	ctx := context.Background()

	unsaved, _ := user.New(nil)
	if err := mgr.Delete(ctx, unsaved); !IsValidation(err) {
		t.Errorf("Deleting an unsaved instance should fail, got %v", err)
	}

	inst := user.load(map[string]any{"id": int64(1), "email": "ann@example.com"})
	mock.ExpectExec(escape(`DELETE FROM "user" WHERE ("id" = 1)`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, mgr.Delete(ctx, inst), "models without deleted_at are hard deleted")
	assert.True(t, inst.IsNew())
}

func TestManager_JoinedInheritance(t *testing.T) {
	r := newTestRegistry(t)
	_, employee := buildPeople(t, r, true)
	mgr, mock := newTestManager(t, employee)
	ctx := context.Background()

	mock.ExpectQuery(escape(`INSERT INTO "person"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "discriminator"}).AddRow(int64(5), "Bob", "Employee"))
	mock.ExpectQuery(escape(`INSERT INTO "employee"`) + ".+" + escape(`5`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "salary"}).AddRow(int64(5), "100"))

	inst, err := mgr.Create(ctx, map[string]any{"name": "Bob", "salary": "100"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), inst.PK())

	mock.ExpectQuery(escape(`JOIN "employee" ON "employee"."id" = "person"."id"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "salary"}).AddRow(int64(5), "Bob", "100"))
	found, err := mgr.Get(ctx, 5)
	require.NoError(t, err)
	assert.True(t, found.Equal(inst))

	mock.ExpectExec(escape(`DELETE FROM "employee"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(escape(`DELETE FROM "person"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, mgr.HardDelete(ctx, found))
}

func TestManager_SingleTableIdentities(t *testing.T) {
	r := newTestRegistry(t)
	person, employee := buildPeople(t, r, "single")
	people, mock := newTestManager(t, person)
	employees, mock2 := newTestManager(t, employee)
	ctx := context.Background()

	mock.ExpectQuery("^" + escape(`SELECT * FROM "person"`) + "$").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "discriminator", "salary"}).
			AddRow(int64(1), "Ann", "Person", nil).
			AddRow(int64(2), "Bob", "Employee", "100"))

	rows, err := people.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Same(t, person, rows[0].Model())
	assert.Same(t, employee, rows[1].Model(), "rows are loaded as the model their discriminator names")

	mock2.ExpectQuery(escape(`SELECT * FROM "person" WHERE ("person"."discriminator" IN ('Employee'))`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "discriminator", "salary"}).
			AddRow(int64(2), "Bob", "Employee", "100"))

	rows, err = employees.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "100", rows[0].Get("salary"))
}

func TestManager_Tenant(t *testing.T) {
	r := newTestRegistry(t)
	invoice := mustBuild(t, r, Definition{
		Name:    "Invoice",
		Columns: []*Column{Col("amount", TypeInteger)},
		Meta:    MetaBlock{OptTenant: true},
	})
	mgr, mock := newTestManager(t, invoice)

	_, err := mgr.All(context.Background())
	if !errors.Is(err, ErrNoTenant) {
		t.Fatalf("Expected ErrNoTenant, got %v", err)
	}

	ctx := WithTenant(context.Background(), "acme")
	mock.ExpectQuery(escape(`SELECT * FROM "invoice" WHERE ("invoice"."tenant_id" = 'acme')`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "tenant_id"}))
	_, err = mgr.All(ctx)
	require.NoError(t, err)

	mock.ExpectQuery(escape(`INSERT INTO "invoice"`) + ".+" + escape(`'acme'`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "tenant_id"}).AddRow(int64(1), int64(5), "acme"))
	inst, err := mgr.Create(ctx, map[string]any{"amount": 5})
	require.NoError(t, err)
	assert.Equal(t, "acme", inst.Get("tenant_id"))

	_, err = mgr.Create(ctx, map[string]any{"amount": 5, "tenant_id": "other"})
	assert.True(t, IsValidation(err), "writing another tenant's row should fail, got %v", err)
}

func TestManager_GetOrCreate(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)
	ctx := context.Background()

	mock.ExpectQuery(escape(`SELECT * FROM "user" WHERE ("user"."email" = 'ann@example.com')`)).
		WillReturnRows(userRows())
	mock.ExpectQuery(escape(`INSERT INTO "user"`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", "Ann", fixedNow, fixedNow))

	inst, created, err := mgr.GetOrCreate(ctx,
		map[string]any{"email": "ann@example.com"},
		map[string]any{"name": "Ann"},
	)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Ann", inst.Get("name"))

	mock.ExpectQuery(escape(`SELECT * FROM "user"`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", "Ann", fixedNow, fixedNow))
	_, created, err = mgr.GetOrCreate(ctx, map[string]any{"email": "ann@example.com"}, nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestManager_UpdateOrCreate(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)

	mock.ExpectQuery(escape(`SELECT * FROM "user"`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", "Ann", fixedNow, fixedNow))
	mock.ExpectExec(escape(`UPDATE "user" SET `)).WillReturnResult(sqlmock.NewResult(0, 1))

	inst, created, err := mgr.UpdateOrCreate(context.Background(),
		map[string]any{"email": "ann@example.com"},
		map[string]any{"name": "Anna"},
	)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Anna", inst.Get("name"))
}

func TestManager_RejectsForeignInstances(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	post := mustBuild(t, r, Definition{Name: "Post"})
	mgr, _ := newTestManager(t, post)

	inst, _ := user.New(map[string]any{"email": "ann@example.com"})
	err := mgr.Save(context.Background(), inst)
	require.True(t, IsConfigError(err), "got %v", err)
	assert.Contains(t, err.Error(), "instance of User cannot be saved by a Post manager")
}

func TestManager_Audit(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())

	var entries []*AuditEntry
	mgr, mock := newTestManager(t, user, WithAudit(AuditConfig{
		Handler: func(ctx context.Context, entry *AuditEntry) error {
			entries = append(entries, entry)
			return nil
		},
		IncludeOldData: true,
		IncludeNewData: true,
		MetadataExtractor: func(ctx context.Context) map[string]any {
			return map[string]any{"request_id": "req-1"}
		},
	}))
	ctx := WithActor(context.Background(), Actor{UserID: "user-9", IPAddress: "10.0.0.1", UserAgent: "curl/8.0"})

	mock.ExpectQuery(escape(`INSERT INTO "user"`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", nil, fixedNow, fixedNow))
	mock.ExpectExec(escape(`UPDATE "user"`)).WillReturnResult(sqlmock.NewResult(0, 1))

	inst, err := mgr.Create(ctx, map[string]any{"email": "ann@example.com"})
	require.NoError(t, err)
	require.NoError(t, mgr.Update(ctx, inst, map[string]any{"name": "Ann"}))

	require.Len(t, entries, 2)
	created := entries[0]
	assert.Equal(t, AuditActionCreate, created.Action)
	assert.Equal(t, "User", created.Model)
	assert.Equal(t, "user", created.TableName)
	assert.Equal(t, "1", created.RecordID)
	assert.Equal(t, "user-9", created.UserID)
	assert.Equal(t, "10.0.0.1", created.IPAddress)
	assert.Equal(t, "curl/8.0", created.UserAgent)
	assert.Equal(t, fixedNow, created.CreatedAt)
	assert.Nil(t, created.OldData)
	assert.JSONEq(t, `{"request_id":"req-1"}`, string(created.Metadata))

	updated := entries[1]
	assert.Equal(t, AuditActionUpdate, updated.Action)
	assert.Contains(t, updated.Changed, "name")
	assert.NotContains(t, updated.Changed, "email")
	var old, fresh map[string]any
	require.NoError(t, json.Unmarshal(updated.OldData, &old))
	require.NoError(t, json.Unmarshal(updated.NewData, &fresh))
	assert.Nil(t, old["name"])
	assert.Equal(t, "Ann", fresh["name"])
}

func TestManager_AuditHandlerError(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user, WithAudit(AuditConfig{
		Handler: func(ctx context.Context, entry *AuditEntry) error {
			return errors.New("disk full")
		},
	}))

	mock.ExpectQuery(escape(`INSERT INTO "user"`)).
		WillReturnRows(userRows().AddRow(int64(1), "ann@example.com", nil, fixedNow, fixedNow))

	_, err := mgr.Create(context.Background(), map[string]any{"email": "ann@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit handler failed")
	code, _ := GetErrorCode(err)
	assert.Equal(t, CodeUnknown, code)
}

func TestManager_WithDB(t *testing.T) {
	r := newTestRegistry(t)
	user := mustBuild(t, r, userDefinition())
	mgr, mock := newTestManager(t, user)
	db, _ := newMockDB(t)

	cp := mgr.WithDB(db)
	assert.NotSame(t, mgr, cp)
	assert.Same(t, user, cp.Model())

	mock.ExpectBegin()
	mock.ExpectExec(escape(`DELETE FROM "user"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := mgr.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	inst := user.load(map[string]any{"id": int64(1)})
	require.NoError(t, mgr.WithDB(tx).HardDelete(context.Background(), inst))
	require.NoError(t, tx.Commit())
}
