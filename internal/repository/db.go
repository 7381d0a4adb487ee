package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/southbooks/invoiceflow/internal/common"
	"github.com/southbooks/invoiceflow/internal/entity"
)

// Open connects to Postgres and returns a gorm handle with error translation
// enabled so unique-index violations surface as gorm.ErrDuplicatedKey.
func Open(cfg common.DatabaseConfig, log *zap.SugaredLogger) (*gorm.DB, error) {
	log.Infow("connecting to database")
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Errorw("failed to connect to database", "error", err)
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Infow("successfully connected to database")
	return db, nil
}

// Migrate creates or updates the pipeline's tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.UploadJob{},
		&entity.Invoice{},
		&entity.ClientProvider{},
		&entity.ActivityLog{},
	)
}

// Close shuts the underlying connection pool down gracefully.
func Close(db *gorm.DB, log *zap.SugaredLogger) {
	log.Infow("closing database connections")
	sqlDB, err := db.DB()
	if err != nil {
		log.Errorw("failed to unwrap sql.DB", "error", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Errorw("failed to close database", "error", err)
		return
	}
	log.Infow("database connections closed")
}

// HealthCheck pings the pool to catch DSN issues early.
func HealthCheck(ctx context.Context, db *gorm.DB, timeout time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sqlDB.PingContext(ctx)
}
