// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/OCAP2/worldmap/pkg/core"
)

// DefaultPath is the document path holding the world map.
const DefaultPath = "maps/world"

// MarkersField is the document field AppendUnique targets.
const MarkersField = "markers"

// Unsubscribe releases a real-time subscription. It is safe to call more than once.
type Unsubscribe func()

// Patch is a partial document for merge writes. Nil fields are left untouched.
type Patch struct {
	BackgroundImage *string
	// ClearBackground sets backgroundImage to null.
	ClearBackground bool
}

// RemoteStore is a document store that pushes full snapshots on every change.
type RemoteStore interface {
	// Subscribe delivers the document at path, creating the default document
	// when none exists. onError receives terminal subscription failures.
	Subscribe(ctx context.Context, path string, onSnapshot func(core.MapData), onError func(error)) (Unsubscribe, error)

	// Merge atomically applies a partial document.
	Merge(ctx context.Context, path string, patch Patch) error

	// AppendUnique atomically appends marker to field unless an element with
	// the same id is already present. Concurrent appends never overwrite each other.
	AppendUnique(ctx context.Context, path, field string, marker core.LocationMarker) error

	// Read fetches the current document once.
	Read(ctx context.Context, path string) (core.MapData, error)

	// Write replaces the whole document.
	Write(ctx context.Context, path string, data core.MapData) error

	Close() error
}

// FallbackStore is synchronous device-local persistence of a single MapData blob.
type FallbackStore interface {
	// Load returns the stored blob. ok is false when nothing has been saved.
	Load() (data core.MapData, ok bool, err error)

	// Save persists the blob. It returns ErrQuotaExceeded when the blob does
	// not fit; nothing is written in that case.
	Save(data core.MapData) error

	Close() error
}

// ObjectStore holds binary uploads and hands back a retrieval reference.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, folder, name string) (string, error)
}
