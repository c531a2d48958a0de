package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/bartventer/gorm-multitenancy/postgres/v8"
	multitenancy "github.com/bartventer/gorm-multitenancy/v8"
	"github.com/bartventer/gorm-multitenancy/v8/pkg/driver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the multitenancy database instance
type DB struct {
	*multitenancy.DB
}

// Connect establishes a connection to the PostgreSQL database with
// multitenancy support.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	gormConfig := &gorm.Config{}
	if os.Getenv("DB_DEBUG") == "true" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := multitenancy.OpenDB(ctx, databaseURL, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Database connection established")
	return &DB{DB: db}, nil
}

// RegisterModels registers all models with the multitenancy database
func (db *DB) RegisterModels(ctx context.Context, models ...driver.TenantTabler) error {
	if err := db.DB.RegisterModels(ctx, models...); err != nil {
		return fmt.Errorf("failed to register models: %w", err)
	}
	slog.Info("Models registered", "count", len(models))
	return nil
}

// MigrateSharedModels migrates all shared/public models
func (db *DB) MigrateSharedModels(ctx context.Context) error {
	if err := db.DB.MigrateSharedModels(ctx); err != nil {
		return fmt.Errorf("failed to migrate shared models: %w", err)
	}
	slog.Info("Shared models migrated")
	return nil
}

// CreateMosqueSchema creates a new mosque schema and migrates tenant models
func (db *DB) CreateMosqueSchema(ctx context.Context, schemaName string) error {
	if err := db.DB.MigrateTenantModels(ctx, schemaName); err != nil {
		return fmt.Errorf("failed to migrate mosque schema %s: %w", schemaName, err)
	}
	slog.Info("Mosque schema migrated", "schema", schemaName)
	return nil
}

// WithMosque executes a function within a mosque's tenant context
func (db *DB) WithMosque(ctx context.Context, schemaName string, fn func(tx *gorm.DB) error) error {
	return db.DB.WithTenant(ctx, schemaName, func(tx *multitenancy.DB) error {
		return fn(tx.DB)
	})
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
