package storage

import (
	"github.com/tphan267/arqut-signal/pkg/storage/repositories"
	"gorm.io/gorm"
)

// Storage is the database storage interface
type Storage interface {
	// DB returns the underlying GORM database instance
	DB() *gorm.DB

	// ConnectionRepo returns the connection registry
	ConnectionRepo() *repositories.ConnectionRepository

	Close() error
}
