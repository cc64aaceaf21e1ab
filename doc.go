/*
Package modelkit is a convention layer over Bun for declaring models.

A model is declared as a Definition: its columns, a Meta block of options
and optional validators. A Registry builds definitions into models,
resolving every Meta option through a Factory of option handlers:
  - a primary key, created_at and updated_at contributed by default
  - foreign keys that take the name and type of their target's primary key
  - joined and single table polymorphism
  - index_together and unique_together constraints
  - Required validators for every non-null column without a default

Models are mapped onto Bun by a BunMapper, immediately or lazily at
FinalizeMappings, and persisted through a Manager.

# Basic Usage

	cfg := modelkit.DefaultConfig(os.Getenv("DATABASE_URL"))
	cfg.Logger = slog.Default()
	cfg.LogSlowQueries = 100 * time.Millisecond

	db, err := modelkit.New(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer db.Close()

# Declaring Models

	user, err := db.Registry().Build(modelkit.Definition{
	    Name: "User",
	    Columns: []*modelkit.Column{
	        modelkit.Col("email", modelkit.TypeString).NotNullable().WithUnique(),
	        modelkit.Col("name", modelkit.TypeString),
	    },
	    Meta: modelkit.MetaBlock{"repr": []string{"id", "email"}},
	})

	post, err := db.Registry().Build(modelkit.Definition{
	    Name: "Post",
	    Columns: []*modelkit.Column{
	        modelkit.Col("title", modelkit.TypeString).NotNullable(),
	        modelkit.ForeignKey("author_id", "User"),
	    },
	    Meta: modelkit.MetaBlock{"deleted_at": true, "version": true},
	})

	models, err := db.Registry().FinalizeMappings(ctx)

# Reading and Writing

	users, _ := db.Manager("User")

	u, err := users.Create(ctx, map[string]any{"email": "a@example.com"})
	if modelkit.IsValidation(err) {
	    // err is a *ValidationErrors listing every failed column
	}

	u.Set("name", "Ann")
	err = users.Save(ctx, u)

	found, err := users.GetBy(ctx, map[string]any{"email": "a@example.com"})
	page, err := users.Paginate(ctx, 1, 20, nil, modelkit.OrderBy("-created_at"))

Managers run on any bun.IDB; pass a bun.Tx to WithDB to write inside a
transaction the caller owns.

# Auditing

	users, _ := db.Manager("User", modelkit.WithAudit(modelkit.AuditConfig{
	    Handler:        modelkit.NewDatabaseAuditHandler(db),
	    IncludeOldData: true,
	}))
	ctx = modelkit.WithActor(ctx, modelkit.Actor{UserID: "u-42"})

# Migrations

	migrations, err := modelkit.LoadMigrations("migrations")
	result, err := db.Migrate(ctx, migrations)

GenerateMigration renders the DDL of the mapped models as a new migration.

# Error Handling

	if err := users.Save(ctx, u); err != nil {
	    if modelkit.IsDuplicate(err) {
	        // Handle duplicate key
	    }

	    var dbErr *modelkit.Error
	    if errors.As(err, &dbErr) {
	        fmt.Println(dbErr.Code)       // DUPLICATE
	        fmt.Println(dbErr.Constraint) // users_email_key
	    }
	}

Invalid model declarations fail Build with a *ConfigError naming the model
and option.
*/
package modelkit
