// Package db owns the gorm connection and schema migration for the
// orchestrator's relational store.
package db

import (
	"fmt"
	"time"

	"conductor/internal/logging"
	"conductor/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the store. A non-empty postgres DSN wins; otherwise a
// local sqlite file is used (development and single-instance deployments).
func Open(databaseURL, sqlitePath string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	} else {
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected")
	return db, nil
}

// Migrate applies the schema for all orchestrator models
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Room{},
		&models.Agent{},
		&models.RoomAgent{},
		&models.Message{},
		&models.WorkItem{},
		&models.AgentRun{},
		&models.PRD{},
		&models.Epic{},
		&models.KnowledgeItem{},
		&models.ProviderUsage{},
		&models.IdempotencyKey{},
		&models.OrchestratorInstance{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
