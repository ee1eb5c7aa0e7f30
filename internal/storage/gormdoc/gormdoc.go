// Package gormdoc implements storage.RemoteStore on a relational database
// through GORM. Each document path is one row; every write bumps its version
// and subscribers poll the version to detect changes.
package gormdoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OCAP2/worldmap/internal/database"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

const defaultPollInterval = time.Second

// Document is a stored map document.
type Document struct {
	Path      string         `gorm:"primaryKey;size:255"`
	Data      datatypes.JSON `gorm:"not null"`
	Version   int64          `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (Document) TableName() string {
	return "documents"
}

// Options tune a Store.
type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger

	// OwnDB makes Close also close the database handle.
	OwnDB bool
}

// Store is a storage.RemoteStore backed by a GORM database.
type Store struct {
	db    *gorm.DB
	ownDB bool
	poll  time.Duration
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ storage.RemoteStore = (*Store)(nil)

// New migrates the documents table and returns a store.
func New(db *gorm.DB, opts Options) (*Store, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, fmt.Errorf("failed to migrate documents table: %w", mapError(err))
	}
	return &Store{
		db:    db,
		ownDB: opts.OwnDB,
		poll:  opts.PollInterval,
		log:   opts.Logger.With("backend", "gormdoc"),
		done:  make(chan struct{}),
	}, nil
}

// ensure creates the default document at path unless one exists.
func ensure(tx *gorm.DB, path string) error {
	raw, err := storage.EncodeMapData(core.EmptyMapData())
	if err != nil {
		return err
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Document{Path: path, Data: datatypes.JSON(raw)}).Error
}

func (s *Store) load(tx *gorm.DB, path string, lock bool) (Document, error) {
	q := tx
	if lock && database.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var doc Document
	err := q.Where("path = ?", path).Take(&doc).Error
	return doc, err
}

// update runs fn on the current document inside a transaction. The row is
// locked on Postgres; SQLite serializes writers on its own.
func (s *Store) update(ctx context.Context, path string, fn func(core.MapData) (core.MapData, bool)) error {
	if err := s.usable(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensure(tx, path); err != nil {
			return err
		}
		doc, err := s.load(tx, path, true)
		if err != nil {
			return err
		}
		cur, err := storage.DecodeMapData(doc.Data)
		if err != nil {
			return err
		}
		next, changed := fn(cur)
		if !changed {
			return nil
		}
		raw, err := storage.EncodeMapData(next)
		if err != nil {
			return err
		}
		return tx.Model(&Document{}).Where("path = ?", path).Updates(map[string]any{
			"data":       datatypes.JSON(raw),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		}).Error
	})
	return mapError(err)
}

// Merge implements storage.RemoteStore.
func (s *Store) Merge(ctx context.Context, path string, patch storage.Patch) error {
	return s.update(ctx, path, func(d core.MapData) (core.MapData, bool) {
		return storage.ApplyPatch(d, patch), true
	})
}

// AppendUnique implements storage.RemoteStore.
func (s *Store) AppendUnique(ctx context.Context, path, _ string, marker core.LocationMarker) error {
	return s.update(ctx, path, func(d core.MapData) (core.MapData, bool) {
		return storage.AppendUniqueMarker(d, marker)
	})
}

// Write implements storage.RemoteStore.
func (s *Store) Write(ctx context.Context, path string, data core.MapData) error {
	return s.update(ctx, path, func(core.MapData) (core.MapData, bool) {
		return data.Clone(), true
	})
}

// Read implements storage.RemoteStore. A missing document reads as the default.
func (s *Store) Read(ctx context.Context, path string) (core.MapData, error) {
	if err := s.usable(); err != nil {
		return core.MapData{}, err
	}
	doc, err := s.load(s.db.WithContext(ctx), path, false)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.EmptyMapData(), nil
	}
	if err != nil {
		return core.MapData{}, mapError(err)
	}
	return storage.DecodeMapData(doc.Data)
}

// Subscribe implements storage.RemoteStore. The first poll runs before
// Subscribe returns and creates the default document if needed.
func (s *Store) Subscribe(ctx context.Context, path string, onSnapshot func(core.MapData), onError func(error)) (storage.Unsubscribe, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if err := mapError(ensure(s.db.WithContext(ctx), path)); err != nil {
		return nil, err
	}

	seen := int64(-1)
	poll := func() error {
		doc, err := s.load(s.db, path, false)
		if err != nil {
			return mapError(err)
		}
		if doc.Version == seen {
			return nil
		}
		data, err := storage.DecodeMapData(doc.Data)
		if err != nil {
			return err
		}
		seen = doc.Version
		onSnapshot(data)
		return nil
	}
	if err := poll(); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				if err := poll(); err != nil {
					if errors.Is(err, storage.ErrPermissionDenied) {
						onError(err)
						return
					}
					s.log.Warn("Document poll failed", "path", path, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

// Close stops all pollers. The database handle is closed only when the
// store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	if s.ownDB {
		return database.Close(s.db)
	}
	return nil
}

func (s *Store) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// mapError translates Postgres privilege and auth failures into storage errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501": // insufficient_privilege
			return fmt.Errorf("%w: %s", storage.ErrPermissionDenied, pgErr.Message)
		case "28000", "28P01", "3D000": // invalid authorization, bad password, unknown database
			return fmt.Errorf("%w: %s", storage.ErrMisconfigured, pgErr.Message)
		}
	}
	return err
}
