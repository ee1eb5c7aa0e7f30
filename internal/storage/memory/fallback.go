package memory

import (
	"sync"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

// Fallback keeps the map blob in process memory, serialized the same way a
// device-local store would hold it. MaxBytes limits the encoded size; zero
// means unlimited.
type Fallback struct {
	MaxBytes int

	mu    sync.Mutex
	raw   []byte
	saves int
}

// NewFallback creates an empty fallback store.
func NewFallback(maxBytes int) *Fallback {
	return &Fallback{MaxBytes: maxBytes}
}

// SetRaw stores a raw blob, bypassing encoding. Useful to plant corrupt data.
func (f *Fallback) SetRaw(raw []byte) {
	f.mu.Lock()
	f.raw = append([]byte(nil), raw...)
	f.mu.Unlock()
}

// Saves returns the number of successful saves.
func (f *Fallback) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// Load implements storage.FallbackStore.
func (f *Fallback) Load() (core.MapData, bool, error) {
	f.mu.Lock()
	raw := f.raw
	f.mu.Unlock()

	if raw == nil {
		return core.EmptyMapData(), false, nil
	}
	data, err := storage.DecodeMapData(raw)
	if err != nil {
		return core.EmptyMapData(), false, err
	}
	return data, true, nil
}

// Save implements storage.FallbackStore.
func (f *Fallback) Save(data core.MapData) error {
	raw, err := storage.EncodeMapData(data)
	if err != nil {
		return err
	}
	if f.MaxBytes > 0 && len(raw) > f.MaxBytes {
		return storage.ErrQuotaExceeded
	}

	f.mu.Lock()
	f.raw = raw
	f.saves++
	f.mu.Unlock()
	return nil
}

// Close implements storage.FallbackStore.
func (f *Fallback) Close() error {
	return nil
}
