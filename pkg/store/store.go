// Package store is the embedded relational façade used for connection
// logs and dashboard snapshots. A disabled configuration yields a
// fully functional no-op store.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// ConnectionLog is one connect/disconnect event.
type ConnectionLog struct {
	ID             uint   `gorm:"primaryKey"`
	ConnectionID   string `gorm:"index;not null"`
	ClientIP       string
	Status         string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// TableName maps to the persisted layout.
func (ConnectionLog) TableName() string { return "connections_log" }

// MessageLog is one in/out WebSocket message.
type MessageLog struct {
	ID           uint   `gorm:"primaryKey"`
	ConnectionID string `gorm:"index;not null"`
	Direction    string `gorm:"size:3"`
	MessageText  string `gorm:"type:text"`
	Timestamp    time.Time
}

// TableName maps to the persisted layout.
func (MessageLog) TableName() string { return "messages" }

// DashboardEntry is one category snapshot with upsert semantics.
type DashboardEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Category  string `gorm:"uniqueIndex;not null"`
	DataJSON  string `gorm:"type:text"`
	UpdatedAt time.Time
}

// TableName maps to the persisted layout.
func (DashboardEntry) TableName() string { return "dashboard_data" }

// Store wraps the SQLite connection. A nil db means the store is
// disabled and every operation is a no-op.
type Store struct {
	db     *gorm.DB
	cfg    common.DatabaseConfig
	logger *common.Logger
}

// NewStore opens (and migrates) the database unless disabled.
func NewStore(cfg common.DatabaseConfig, logger *common.Logger) (*Store, error) {
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[STORE] ", common.InfoLevel)
	}

	s := &Store{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		logger.Info("Store disabled in configuration")
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	if err := db.AutoMigrate(&ConnectionLog{}, &MessageLog{}, &DashboardEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.db = db
	logger.Info("Store initialized at %s", cfg.Path)
	return s, nil
}

// IsInitialized reports whether the store is open and usable.
func (s *Store) IsInitialized() bool {
	return s != nil && s.db != nil
}

// LogConnection appends a connection event.
func (s *Store) LogConnection(connectionID, clientIP, status string) error {
	if !s.IsInitialized() || !s.cfg.LogConnections {
		return nil
	}
	record := ConnectionLog{
		ConnectionID: connectionID,
		ClientIP:     clientIP,
		Status:       status,
		ConnectedAt:  time.Now(),
	}
	return s.db.Create(&record).Error
}

// LogDisconnection stamps every still-open event for connectionID.
func (s *Store) LogDisconnection(connectionID string) error {
	if !s.IsInitialized() || !s.cfg.LogConnections {
		return nil
	}
	now := time.Now()
	return s.db.Model(&ConnectionLog{}).
		Where("connection_id = ? AND disconnected_at IS NULL", connectionID).
		Updates(map[string]interface{}{
			"status":          "disconnected",
			"disconnected_at": &now,
		}).Error
}

// LogMessage appends one in/out message when message logging is on.
func (s *Store) LogMessage(connectionID, direction, messageText string) error {
	if !s.IsInitialized() || !s.cfg.LogMessages {
		return nil
	}
	if direction != "in" && direction != "out" {
		return fmt.Errorf("%w: direction must be in or out", common.ErrInvalidParam)
	}
	record := MessageLog{
		ConnectionID: connectionID,
		Direction:    direction,
		MessageText:  messageText,
		Timestamp:    time.Now(),
	}
	return s.db.Create(&record).Error
}

// UpdateDashboardData upserts the snapshot for one category.
func (s *Store) UpdateDashboardData(category, dataJSON string) error {
	if !s.IsInitialized() {
		return nil
	}

	record := DashboardEntry{
		Category:  category,
		DataJSON:  dataJSON,
		UpdatedAt: time.Now(),
	}

	var existing DashboardEntry
	result := s.db.Where("category = ?", category).First(&existing)
	if result.Error == nil {
		record.ID = existing.ID
		return s.db.Save(&record).Error
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return s.db.Create(&record).Error
	}
	return result.Error
}

// GetDashboardData returns the stored JSON for one category.
func (s *Store) GetDashboardData(category string) (string, error) {
	if !s.IsInitialized() {
		return "", fmt.Errorf("store: %w", common.ErrNotFound)
	}

	var entry DashboardEntry
	result := s.db.Where("category = ?", category).First(&entry)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("category %q: %w", category, common.ErrNotFound)
	}
	if result.Error != nil {
		return "", result.Error
	}
	return entry.DataJSON, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if !s.IsInitialized() {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
