// Package natskv implements storage.RemoteStore on a NATS JetStream
// key-value bucket. Each document path is one key; watchers push every
// revision as a full snapshot.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

const (
	DefaultBucket = "worldmap"
	maxCASRetries = 16
)

// Config holds NATS connection settings.
type Config struct {
	URL    string
	Token  string
	Bucket string
}

// Store is a storage.RemoteStore over a JetStream key-value bucket.
type Store struct {
	conn *nats.Conn // nil when built around an existing bucket
	kv   nats.KeyValue
	log  *slog.Logger

	mu       sync.Mutex
	closed   bool
	watchers map[nats.KeyWatcher]struct{}
}

var _ storage.RemoteStore = (*Store)(nil)

// Connect dials NATS and opens the bucket, creating it when absent.
func Connect(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, storage.ErrConfigurationMissing
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	opts := []nats.Option{
		nats.Name("worldmap"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", mapError(err))
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 5,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, mapError(err))
	}

	s := New(kv, logger)
	s.conn = conn
	return s, nil
}

// New wraps an open bucket.
func New(kv nats.KeyValue, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:       kv,
		log:      logger.With("backend", "natskv"),
		watchers: make(map[nats.KeyWatcher]struct{}),
	}
}

func (s *Store) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Subscribe implements storage.RemoteStore.
func (s *Store) Subscribe(_ context.Context, path string, onSnapshot func(core.MapData), onError func(error)) (storage.Unsubscribe, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	raw, err := storage.EncodeMapData(core.EmptyMapData())
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Create(path, raw); err != nil && !errors.Is(err, nats.ErrKeyExists) && !isConflict(err) {
		return nil, mapError(err)
	}

	w, err := s.kv.Watch(path)
	if err != nil {
		return nil, mapError(err)
	}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// end of initial values
					continue
				}
				if entry.Operation() != nats.KeyValuePut {
					onSnapshot(core.EmptyMapData())
					continue
				}
				data, err := storage.DecodeMapData(entry.Value())
				if err != nil {
					s.log.Warn("Undecodable revision", "path", path, "revision", entry.Revision(), "error", err)
					continue
				}
				onSnapshot(data)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
			_ = w.Stop()
		})
	}, nil
}

// update applies fn with optimistic concurrency on the key revision.
func (s *Store) update(ctx context.Context, path string, fn func(core.MapData) (core.MapData, bool)) error {
	if err := s.usable(); err != nil {
		return err
	}
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur := core.EmptyMapData()
		var rev uint64
		entry, err := s.kv.Get(path)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
		case err != nil:
			return mapError(err)
		default:
			rev = entry.Revision()
			if cur, err = storage.DecodeMapData(entry.Value()); err != nil {
				return err
			}
		}

		next, changed := fn(cur)
		if !changed {
			return nil
		}
		raw, err := storage.EncodeMapData(next)
		if err != nil {
			return err
		}

		if rev == 0 {
			_, err = s.kv.Create(path, raw)
		} else {
			_, err = s.kv.Update(path, raw, rev)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) && !errors.Is(err, nats.ErrKeyExists) {
			return mapError(err)
		}
		s.log.Debug("Revision conflict, retrying", "path", path, "attempt", attempt+1)
	}
	return fmt.Errorf("update %s: gave up after %d revision conflicts", path, maxCASRetries)
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

// Read implements storage.RemoteStore.
func (s *Store) Read(_ context.Context, path string) (core.MapData, error) {
	if err := s.usable(); err != nil {
		return core.MapData{}, err
	}
	entry, err := s.kv.Get(path)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return core.EmptyMapData(), nil
	}
	if err != nil {
		return core.MapData{}, mapError(err)
	}
	return storage.DecodeMapData(entry.Value())
}

// Write implements storage.RemoteStore.
func (s *Store) Write(_ context.Context, path string, data core.MapData) error {
	if err := s.usable(); err != nil {
		return err
	}
	raw, err := storage.EncodeMapData(data)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(path, raw)
	return mapError(err)
}

// Close stops all watchers and drains the connection if this store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	for w := range watchers {
		_ = w.Stop()
	}
	if s.conn != nil {
		return s.conn.Drain()
	}
	return nil
}

func isConflict(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrPermissionViolation):
		return fmt.Errorf("%w: %v", storage.ErrPermissionDenied, err)
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrInvalidKey), errors.Is(err, nats.ErrInvalidBucketName):
		return fmt.Errorf("%w: %v", storage.ErrMisconfigured, err)
	}
	return err
}
