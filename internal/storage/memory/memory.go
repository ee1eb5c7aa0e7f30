// internal/storage/memory/memory.go
package memory

import (
	"context"
	"sync"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
)

type subscriber struct {
	path       string
	onSnapshot func(core.MapData)
	onError    func(error)
}

// Remote is an in-process document store. Every change is pushed to all
// subscribers of the changed path as a full snapshot.
type Remote struct {
	// pubMu orders snapshot delivery and is taken before mu.
	pubMu sync.Mutex

	mu     sync.Mutex
	docs   map[string]core.MapData
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	// fault injection
	deny    error
	silent  bool
	writes  int
	onWrite func(path string)
}

// NewRemote creates an empty in-memory remote store.
func NewRemote() *Remote {
	return &Remote{
		docs: make(map[string]core.MapData),
		subs: make(map[uint64]*subscriber),
	}
}

// Deny makes every later operation fail with err and pushes err to all
// current subscribers. A nil err lifts the denial.
func (r *Remote) Deny(err error) {
	r.mu.Lock()
	r.deny = err
	var notify []func(error)
	if err != nil {
		for _, s := range r.subs {
			notify = append(notify, s.onError)
		}
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn(err)
	}
}

// Silence stops snapshot delivery, simulating an unreachable backend whose
// subscription never answers.
func (r *Remote) Silence(silent bool) {
	r.mu.Lock()
	r.silent = silent
	r.mu.Unlock()
}

// Writes returns the number of successful mutations.
func (r *Remote) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// OnWrite registers a hook called after every successful mutation.
func (r *Remote) OnWrite(fn func(path string)) {
	r.mu.Lock()
	r.onWrite = fn
	r.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on path.
func (r *Remote) Subscribers(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		if s.path == path {
			n++
		}
	}
	return n
}

// Seed stores data at path without counting as a write.
func (r *Remote) Seed(path string, data core.MapData) {
	r.mu.Lock()
	r.docs[path] = data.Clone()
	r.mu.Unlock()
	r.publish(path)
}

// Subscribe implements storage.RemoteStore.
func (r *Remote) Subscribe(_ context.Context, path string, onSnapshot func(core.MapData), onError func(error)) (storage.Unsubscribe, error) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, storage.ErrClosed
	}
	if r.deny != nil {
		err := r.deny
		r.mu.Unlock()
		return nil, err
	}
	if _, ok := r.docs[path]; !ok {
		r.docs[path] = core.EmptyMapData()
	}
	r.nextID++
	id := r.nextID
	r.subs[id] = &subscriber{path: path, onSnapshot: onSnapshot, onError: onError}
	snap := r.docs[path].Clone()
	silent := r.silent
	r.mu.Unlock()

	if !silent {
		onSnapshot(snap)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}, nil
}

// Merge implements storage.RemoteStore.
func (r *Remote) Merge(_ context.Context, path string, patch storage.Patch) error {
	return r.mutate(path, func(d core.MapData) (core.MapData, bool) {
		return storage.ApplyPatch(d, patch), true
	})
}

// AppendUnique implements storage.RemoteStore.
func (r *Remote) AppendUnique(_ context.Context, path, _ string, marker core.LocationMarker) error {
	return r.mutate(path, func(d core.MapData) (core.MapData, bool) {
		return storage.AppendUniqueMarker(d, marker)
	})
}

// Read implements storage.RemoteStore.
func (r *Remote) Read(_ context.Context, path string) (core.MapData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return core.MapData{}, err
	}
	d, ok := r.docs[path]
	if !ok {
		return core.EmptyMapData(), nil
	}
	return d.Clone(), nil
}

// Write implements storage.RemoteStore.
func (r *Remote) Write(_ context.Context, path string, data core.MapData) error {
	return r.mutate(path, func(core.MapData) (core.MapData, bool) {
		return data.Clone(), true
	})
}

// Close implements storage.RemoteStore.
func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.subs = make(map[uint64]*subscriber)
	r.mu.Unlock()
	return nil
}

func (r *Remote) usable() error {
	if r.closed {
		return storage.ErrClosed
	}
	return r.deny
}

func (r *Remote) mutate(path string, fn func(core.MapData) (core.MapData, bool)) error {
	r.mu.Lock()
	if err := r.usable(); err != nil {
		r.mu.Unlock()
		return err
	}
	cur, ok := r.docs[path]
	if !ok {
		cur = core.EmptyMapData()
	}
	next, changed := fn(cur)
	if !changed {
		r.mu.Unlock()
		return nil
	}
	r.docs[path] = next
	r.writes++
	hook := r.onWrite
	r.mu.Unlock()

	r.publish(path)
	if hook != nil {
		hook(path)
	}
	return nil
}

// publish delivers the current document at path to its subscribers, one
// publish at a time. Callbacks must not mutate the store synchronously.
func (r *Remote) publish(path string) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	if r.silent {
		r.mu.Unlock()
		return
	}
	snap, ok := r.docs[path]
	if !ok {
		r.mu.Unlock()
		return
	}
	var targets []func(core.MapData)
	for _, s := range r.subs {
		if s.path == path {
			targets = append(targets, s.onSnapshot)
		}
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(snap.Clone())
	}
}
