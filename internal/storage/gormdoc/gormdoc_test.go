package gormdoc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/worldmap/internal/database"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenSqlite(filepath.Join(t.TempDir(), "docs.db"), zerolog.Nop())
	require.NoError(t, err)

	s, err := New(db, Options{PollInterval: 10 * time.Millisecond, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRead_MissingDocumentIsDefault(t *testing.T) {
	s := newStore(t)
	d, err := s.Read(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Equal(t, core.EmptyMapData(), d)
}

func TestMutations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	path := storage.DefaultPath

	require.NoError(t, s.Merge(ctx, path, storage.Patch{BackgroundImage: core.StringPtr("bg.png")}))
	m := core.LocationMarker{ID: "m1", X: 50, Y: 50, Title: "Old Tower", Type: core.MarkerDungeon}
	require.NoError(t, s.AppendUnique(ctx, path, storage.MarkersField, m))
	require.NoError(t, s.AppendUnique(ctx, path, storage.MarkersField, m))

	d, err := s.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "bg.png", d.Background())
	require.Len(t, d.Markers, 1)
	assert.Equal(t, m, d.Markers[0])

	next, _ := storage.WithoutMarker(d, "m1")
	require.NoError(t, s.Write(ctx, path, next))
	d, err = s.Read(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, d.Markers)
	assert.Equal(t, "bg.png", d.Background())

	var doc Document
	require.NoError(t, s.db.Where("path = ?", path).Take(&doc).Error)
	assert.Equal(t, int64(3), doc.Version, "no-op append does not bump version")
}

func TestConcurrentAppendsKeepAll(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AppendUnique(ctx, "p", storage.MarkersField, core.LocationMarker{ID: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	d, err := s.Read(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, d.Markers, 20)
}

func TestSubscribe(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	snaps := make(chan core.MapData, 8)

	unsub, err := s.Subscribe(ctx, "p", func(d core.MapData) { snaps <- d }, func(error) {})
	require.NoError(t, err)

	select {
	case d := <-snaps:
		assert.Equal(t, core.EmptyMapData(), d, "default document created on subscribe")
	default:
		t.Fatal("first snapshot must be delivered synchronously")
	}

	require.NoError(t, s.Merge(ctx, "p", storage.Patch{BackgroundImage: core.StringPtr("new.png")}))
	select {
	case d := <-snaps:
		assert.Equal(t, "new.png", d.Background())
	case <-time.After(2 * time.Second):
		t.Fatal("change not observed by poller")
	}

	unsub()
	unsub()
	require.NoError(t, s.Merge(ctx, "p", storage.Patch{ClearBackground: true}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, snaps)
}

func TestClosed(t *testing.T) {
	s := newStore(t)
	_, err := s.Subscribe(context.Background(), "p", func(core.MapData) {}, func(error) {})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Write(context.Background(), "p", core.EmptyMapData()), storage.ErrClosed)
	_, err = s.Read(context.Background(), "p")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "42501", Message: "permission denied for table documents"}), storage.ErrPermissionDenied)
	assert.ErrorIs(t, mapError(fmt.Errorf("tx: %w", &pgconn.PgError{Code: "28P01"})), storage.ErrMisconfigured)

	plain := fmt.Errorf("disk full")
	assert.Equal(t, plain, mapError(plain))
}

func TestClose_OwnedDatabaseIsClosed(t *testing.T) {
	db, err := database.OpenSqlite(filepath.Join(t.TempDir(), "docs.db"), zerolog.Nop())
	require.NoError(t, err)
	s, err := New(db, Options{PollInterval: 10 * time.Millisecond, OwnDB: true})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
	assert.NoError(t, s.Close())
}

func TestClose_BorrowedDatabaseStaysOpen(t *testing.T) {
	db, err := database.OpenSqlite(filepath.Join(t.TempDir(), "docs.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	s, err := New(db, Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}
