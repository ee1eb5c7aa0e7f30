// Package sqlitestorage implements storage.FallbackStore on a file-backed
// SQLite database: a single kv table holding the serialized map blob.
package sqlitestorage

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OCAP2/worldmap/internal/database"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

// Entry is a row of the kv table.
type Entry struct {
	Key   string `gorm:"primaryKey;size:128"`
	Value []byte `gorm:"not null"`
}

func (Entry) TableName() string {
	return "kv"
}

// Config holds configuration for the SQLite fallback store.
type Config struct {
	Path string
	// MaxBytes caps the stored blob size; zero means unlimited.
	MaxBytes int
}

// Store is a storage.FallbackStore on SQLite.
type Store struct {
	db  *gorm.DB
	cfg Config
}

var _ storage.FallbackStore = (*Store)(nil)

// Open opens or creates the database at cfg.Path.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	db, err := database.OpenSqlite(cfg.Path, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open local SQLite DB: %w", err)
	}
	return New(db, cfg)
}

// New migrates the kv table on an open database.
func New(db *gorm.DB, cfg Config) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate kv table: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Load implements storage.FallbackStore.
func (s *Store) Load() (core.MapData, bool, error) {
	var e Entry
	err := s.db.Where("key = ?", core.StorageKey).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.EmptyMapData(), false, nil
	}
	if err != nil {
		return core.EmptyMapData(), false, err
	}
	data, err := storage.DecodeMapData(e.Value)
	if err != nil {
		return core.EmptyMapData(), false, err
	}
	return data, true, nil
}

// Save implements storage.FallbackStore. Oversized blobs are rejected with
// storage.ErrQuotaExceeded before anything is written.
func (s *Store) Save(data core.MapData) error {
	raw, err := storage.EncodeMapData(data)
	if err != nil {
		return err
	}
	if s.cfg.MaxBytes > 0 && len(raw) > s.cfg.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", storage.ErrQuotaExceeded, len(raw), s.cfg.MaxBytes)
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Entry{Key: core.StorageKey, Value: raw}).Error
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
