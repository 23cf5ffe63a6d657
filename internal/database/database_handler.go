package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ip2asn/internal/domain"
	"ip2asn/internal/support"
)

type Config struct {
	ExistingDB *gorm.DB
	Dialector  gorm.Dialector
	Migrations []any
}

type Option func(*Config)

// SetupDB opens the history database and migrates its schema.
func SetupDB(opts ...Option) (*gorm.DB, error) {
	cfg := Config{
		Migrations: defaultMigrations(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var db *gorm.DB
	switch {
	case cfg.ExistingDB != nil:
		db = cfg.ExistingDB
	case cfg.Dialector != nil:
		opened, err := gorm.Open(cfg.Dialector, &gorm.Config{Logger: silentLogger()})
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		db = opened
		configureConnectionPool(db)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if len(cfg.Migrations) > 0 {
		if err := db.AutoMigrate(cfg.Migrations...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		log.Debug("Database migration completed")
	}

	return db, nil
}

// DialectorFromURL picks postgres for postgres:// URLs and sqlite for
// everything else, accepting an optional sqlite:// prefix.
func DialectorFromURL(raw string) (gorm.Dialector, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil, fmt.Errorf("database: empty url")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return postgres.Open(raw), nil
	case strings.HasPrefix(raw, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(raw, "sqlite://")), nil
	default:
		return sqlite.Open(raw), nil
	}
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

func defaultMigrations() []any {
	return []any{
		domain.TableLoad{},
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func configureConnectionPool(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 8)
	maxIdle := min(support.GetEnvInt("DB_MAX_IDLE_CONNS", 2), maxOpen)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxLifetime(support.GetEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute))
}
