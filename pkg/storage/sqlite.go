package storage

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/tphan267/arqut-signal/pkg/logger"
	"github.com/tphan267/arqut-signal/pkg/storage/repositories"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db     *gorm.DB
	logger *logger.Logger

	connectionRepo *repositories.ConnectionRepository
}

// NewSQLiteStorage opens dbPath and migrates the registry table tableName
func NewSQLiteStorage(dbPath, tableName string, appLogger *logger.Logger) (Storage, error) {
	if appLogger == nil {
		appLogger = logger.Discard()
	}

	gormLogger := gormlogger.Default.LogMode(gormlogger.Silent)

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every pooled connection to :memory: would see its own empty database
	if strings.Contains(dbPath, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database instance: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	connectionRepo, err := repositories.NewConnectionRepository(db, tableName)
	if err != nil {
		return nil, err
	}

	appLogger.Info("SQLite database opened: %s (table %s)", dbPath, tableName)

	return &SQLiteStorage{
		db:             db,
		logger:         appLogger,
		connectionRepo: connectionRepo,
	}, nil
}

// DB returns the underlying GORM database instance
func (s *SQLiteStorage) DB() *gorm.DB {
	return s.db
}

// ConnectionRepo returns the connection registry
func (s *SQLiteStorage) ConnectionRepo() *repositories.ConnectionRepository {
	return s.connectionRepo
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.logger.Info("SQLite database closed")
	return nil
}
