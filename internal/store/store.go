// Package store persists node and presence history to a local SQLite
// database. The hub runs fine without it; an empty path disables it.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// NodeRecord is the persisted view of one known DEAN node.
type NodeRecord struct {
	ID         uint   `gorm:"primaryKey"`
	Mac        string `gorm:"uniqueIndex;size:17"`
	Relay      string
	DeviceType string
	Name       string
	Location   string
	LastSeen   time.Time
	Connected  bool
	UpdatedAt  time.Time
}

// PresenceRecord is one graded presence verdict.
type PresenceRecord struct {
	ID      uint   `gorm:"primaryKey"`
	Mac     string `gorm:"index"`
	Room    string
	Verdict string
	At      time.Time `gorm:"index"`
}

// Store wraps the SQLite handle.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if err := db.AutoMigrate(&NodeRecord{}, &PresenceRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}

// UpsertNode inserts or refreshes the record for one MAC. Name and
// location are overwritten only when non-empty, matching the identity
// table's configuration-wins rule.
func (s *Store) UpsertNode(rec NodeRecord) error {
	assignments := map[string]any{
		"relay":       rec.Relay,
		"device_type": rec.DeviceType,
		"last_seen":   rec.LastSeen,
		"connected":   rec.Connected,
		"updated_at":  time.Now(),
	}
	if rec.Name != "" {
		assignments["name"] = rec.Name
	}
	if rec.Location != "" {
		assignments["location"] = rec.Location
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mac"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store: upsert node %s: %w", rec.Mac, err)
	}
	return nil
}

// MarkDisconnected flags every record relayed through addr as down.
func (s *Store) MarkDisconnected(relay string) error {
	err := s.db.Model(&NodeRecord{}).
		Where("relay = ?", relay).
		Update("connected", false).Error
	if err != nil {
		return fmt.Errorf("store: mark disconnected %s: %w", relay, err)
	}
	return nil
}

// Nodes returns all known nodes ordered by MAC.
func (s *Store) Nodes() ([]NodeRecord, error) {
	var recs []NodeRecord
	if err := s.db.Order("mac").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return recs, nil
}

// RecordVerdict appends one presence verdict.
func (s *Store) RecordVerdict(rec PresenceRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("store: record verdict: %w", err)
	}
	return nil
}

// RecentVerdicts returns the newest verdicts, newest first.
func (s *Store) RecentVerdicts(limit int) ([]PresenceRecord, error) {
	var recs []PresenceRecord
	if err := s.db.Order("at DESC, id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: recent verdicts: %w", err)
	}
	return recs, nil
}
