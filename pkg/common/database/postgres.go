package database

import (
	"fmt"

	"github.com/TransfuseSolutions/crate/pkg/common/config"
	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewAdminDB opens the admin (destination/secret) database holding the
// identity-store tables. Callers own the handle; the engine is instantiable
// more than once per process, so there is no package-level singleton here.
func NewAdminDB(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to admin database: %w", err)
	}

	logger.Log.WithField("database", cfg.PostgresDB).Info("Connected to admin database")
	return db, nil
}

// NewSourceDB opens a read-only handle on a source database from a DSN.
// Source databases are collaborators; the engine only ever reads from them.
func NewSourceDB(name, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to source database %q: %w", name, err)
	}
	logger.Log.WithField("database", name).Info("Connected to source database")
	return db, nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
