// Package backend builds the configured storage backends.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/OCAP2/worldmap/internal/config"
	"github.com/OCAP2/worldmap/internal/database"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/internal/storage/gormdoc"
	"github.com/OCAP2/worldmap/internal/storage/memory"
	"github.com/OCAP2/worldmap/internal/storage/natskv"
	sqlitestorage "github.com/OCAP2/worldmap/internal/storage/sqlite"
	"github.com/OCAP2/worldmap/internal/storage/websocket"
	"github.com/OCAP2/worldmap/pkg/core"
)

// NewRemote builds the remote store named by cfg.Type. It returns a nil store
// and storage.ErrConfigurationMissing when nothing usable is configured. A
// backend that is configured but unreachable is returned as a store whose
// operations fail with the connect error, so the sync controller can fall back.
func NewRemote(cfg config.RemoteConfig, log *slog.Logger, zlog zerolog.Logger) (storage.RemoteStore, error) {
	switch cfg.Type {
	case "":
		return nil, storage.ErrConfigurationMissing
	case "memory":
		return memory.NewRemote(), nil
	case "websocket":
		if cfg.WebSocket.URL == "" {
			return nil, fmt.Errorf("%w: remote.websocket.url is empty", storage.ErrConfigurationMissing)
		}
		return websocket.New(websocket.Config{
			URL:        cfg.WebSocket.URL,
			Token:      cfg.WebSocket.Token,
			AckTimeout: cfg.WebSocket.AckTimeout,
		}, log), nil
	case "postgres":
		if cfg.Postgres.Host == "" || cfg.Postgres.Database == "" {
			return nil, fmt.Errorf("%w: remote.postgres host and database are required", storage.ErrConfigurationMissing)
		}
		db, err := database.OpenPostgres(database.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Username: cfg.Postgres.Username,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, zlog)
		if err != nil {
			log.Warn("Postgres document store unavailable", "error", err)
			return Unavailable(err), nil
		}
		store, err := gormdoc.New(db, gormdoc.Options{PollInterval: cfg.Postgres.PollInterval, Logger: log, OwnDB: true})
		if err != nil {
			_ = database.Close(db)
			return Unavailable(err), nil
		}
		return store, nil
	case "nats":
		if cfg.NATS.URL == "" {
			return nil, fmt.Errorf("%w: remote.nats.url is empty", storage.ErrConfigurationMissing)
		}
		store, err := natskv.Connect(natskv.Config{URL: cfg.NATS.URL, Token: cfg.NATS.Token, Bucket: cfg.NATS.Bucket}, log)
		if err != nil {
			log.Warn("NATS document store unavailable", "error", err)
			return Unavailable(err), nil
		}
		return store, nil
	}
	return nil, fmt.Errorf("%w: unknown remote type %q", storage.ErrMisconfigured, cfg.Type)
}

// NewFallback builds the local fallback store named by cfg.Type.
func NewFallback(cfg config.FallbackConfig, zlog zerolog.Logger) (storage.FallbackStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewFallback(cfg.MaxBytes), nil
	case "sqlite":
		return sqlitestorage.Open(sqlitestorage.Config{Path: cfg.Path, MaxBytes: cfg.MaxBytes}, zlog)
	}
	return nil, fmt.Errorf("unknown fallback type %q", cfg.Type)
}

type unavailable struct {
	err error
}

// Unavailable returns a remote store whose every operation fails with err.
func Unavailable(err error) storage.RemoteStore {
	return unavailable{err: err}
}

func (u unavailable) Subscribe(context.Context, string, func(core.MapData), func(error)) (storage.Unsubscribe, error) {
	return nil, u.err
}

func (u unavailable) Merge(context.Context, string, storage.Patch) error { return u.err }

func (u unavailable) AppendUnique(context.Context, string, string, core.LocationMarker) error {
	return u.err
}

func (u unavailable) Read(context.Context, string) (core.MapData, error) { return core.MapData{}, u.err }

func (u unavailable) Write(context.Context, string, core.MapData) error { return u.err }

func (u unavailable) Close() error { return nil }
