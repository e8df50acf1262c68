package database

import (
	"fmt"
	"time"

	"github.com/biodoia/hacp/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config contiene la configurazione del database
type Config struct {
	Type       string `mapstructure:"type"`       // "postgres" or "sqlite"
	Connection string `mapstructure:"connection"` // Connection string
	MaxConns   int    `mapstructure:"max_conns"`
	LogLevel   string `mapstructure:"log_level"`
}

// DB wrappa la connessione GORM
type DB struct {
	*gorm.DB
}

// New crea una nuova connessione al database
func New(cfg *Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.Connection)
	case "sqlite":
		dialector = sqlite.Open(cfg.Connection)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	// Configure logger
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "error":
		logLevel = logger.Error
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	switch {
	case cfg.Type == "sqlite":
		// sqlite serializza le scritture: una sola connessione evita SQLITE_BUSY
		// e mantiene vivo un database in memoria
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	case cfg.MaxConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
		sqlDB.SetMaxIdleConns(max(cfg.MaxConns/2, 1))
		sqlDB.SetConnMaxLifetime(time.Hour)
	default:
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &DB{DB: db}, nil
}

// AutoMigrate esegue le migrazioni del database
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&models.Agent{},
		&models.ProviderBinding{},
		&models.ConversationSession{},
		&models.EscalationEvent{},
		&models.TransitionRecord{},
	)
}

// Close chiude la connessione al database
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifica che il database sia raggiungibile
func (db *DB) Ping() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// GetRecentTransitions restituisce le transizioni più recenti di un soggetto
func (db *DB) GetRecentTransitions(subjectID string, limit int) ([]models.TransitionRecord, error) {
	var records []models.TransitionRecord
	query := db.Order("timestamp DESC").Limit(limit)
	if subjectID != "" {
		query = query.Where("subject_id = ?", subjectID)
	}
	err := query.Find(&records).Error
	return records, err
}
