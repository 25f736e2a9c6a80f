package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/config"
	"github.com/aman-churiwal/monetization-gateway/internal/logger"
	"github.com/aman-churiwal/monetization-gateway/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Postgres struct {
	DB *gorm.DB
}

func NewPostgres(cfg config.DatabaseConfig, log *zap.Logger, level gormlogger.LogLevel) (*Postgres, error) {
	p, err := Open(postgres.Open(cfg.DSN), log, level)
	if err != nil {
		return nil, err
	}

	sqlDB, err := p.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return p, nil
}

// Open connects gorm through any dialector. Timestamps are always UTC.
func Open(dialector gorm.Dialector, log *zap.Logger, level gormlogger.LogLevel) (*Postgres, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(log, level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Postgres{DB: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func (p *Postgres) AutoMigrate() error {
	return p.DB.AutoMigrate(
		&models.Tier{},
		&models.Customer{},
		&models.RateLimitTracker{},
		&models.APIUsageLog{},
		&models.MonthlyUsageSummary{},
	)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func (p *Postgres) Transaction(ctx context.Context, fn func(*gorm.DB) error) error {
	return p.DB.WithContext(ctx).Transaction(fn)
}
