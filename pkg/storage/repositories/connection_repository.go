package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tphan267/arqut-signal/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrEmptyConnectionID is returned when a registry key is blank
	ErrEmptyConnectionID = errors.New("connection id cannot be empty")
	// ErrConnectionNotFound is returned by Get for unknown ids
	ErrConnectionNotFound = errors.New("connection not found")
)

// ConnectionRepository is the connection registry: one row per connection id.
// Rows are never updated in place.
type ConnectionRepository struct {
	db        *gorm.DB
	tableName string
}

// NewConnectionRepository migrates tableName and returns a repository bound to it
func NewConnectionRepository(db *gorm.DB, tableName string) (*ConnectionRepository, error) {
	if tableName == "" {
		return nil, fmt.Errorf("registry table name cannot be empty")
	}
	if err := db.Table(tableName).AutoMigrate(&models.Connection{}); err != nil {
		return nil, fmt.Errorf("failed to migrate table %s: %w", tableName, err)
	}
	return &ConnectionRepository{db: db, tableName: tableName}, nil
}

// TableName returns the registry table this repository reads and writes
func (r *ConnectionRepository) TableName() string {
	return r.tableName
}

func (r *ConnectionRepository) table(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Table(r.tableName)
}

// Put inserts id if it is not registered yet. created is false when the id
// was already present; that is not an error.
func (r *ConnectionRepository) Put(ctx context.Context, id string) (created bool, err error) {
	if id == "" {
		return false, ErrEmptyConnectionID
	}

	conn := &models.Connection{
		ConnectionID: id,
		ConnectedAt:  time.Now().UTC(),
	}

	result := r.table(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(conn)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

// ScanExcluding returns one page of registered connections whose id differs
// from excludeID, ordered by id and starting after the cursor after.
//
// Without a limit this reads the whole table: cost is O(n) in registered
// connections. Callers that only read the first page miss everything past
// page.Next.
func (r *ConnectionRepository) ScanExcluding(ctx context.Context, excludeID, after string, limit int) (*models.ConnectionPage, error) {
	q := r.table(ctx).Where("connection_id <> ?", excludeID)
	if after != "" {
		q = q.Where("connection_id > ?", after)
	}
	q = q.Order("connection_id")
	if limit > 0 {
		q = q.Limit(limit + 1)
	}

	var items []*models.Connection
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}

	page := &models.ConnectionPage{Items: items}
	if limit > 0 && len(items) > limit {
		page.Items = items[:limit]
		page.Next = items[limit-1].ConnectionID
	}

	return page, nil
}

// Get returns a single registered connection
func (r *ConnectionRepository) Get(ctx context.Context, id string) (*models.Connection, error) {
	var conn models.Connection
	if err := r.table(ctx).Where("connection_id = ?", id).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return &conn, nil
}

// Delete removes id from the registry. deleted is false if it was not present.
func (r *ConnectionRepository) Delete(ctx context.Context, id string) (deleted bool, err error) {
	result := r.table(ctx).Where("connection_id = ?", id).Delete(&models.Connection{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Count returns the number of registered connections
func (r *ConnectionRepository) Count(ctx context.Context) (int, error) {
	var count int64
	if err := r.table(ctx).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// Clear removes all registered connections
func (r *ConnectionRepository) Clear(ctx context.Context) error {
	return r.table(ctx).Where("1 = 1").Delete(&models.Connection{}).Error
}
