// Package mapsync keeps the world map document in sync with a remote store,
// falling back to device-local storage when the remote is absent or silent.
package mapsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
	"github.com/google/uuid"
)

// DefaultConnectTimeout bounds how long Start waits for the first snapshot.
const DefaultConnectTimeout = 3500 * time.Millisecond

// TimeoutPolicy decides what a connect timeout leads to.
type TimeoutPolicy int

const (
	// PolicyFallback switches to the local fallback store.
	PolicyFallback TimeoutPolicy = iota
	// PolicyError enters error(unreachable).
	PolicyError
)

// ParsePolicy parses "fallback" or "error".
func ParsePolicy(s string) (TimeoutPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fallback":
		return PolicyFallback, nil
	case "error":
		return PolicyError, nil
	}
	return PolicyFallback, fmt.Errorf("unknown timeout policy %q", s)
}

// Dependencies are the collaborators of a Controller.
type Dependencies struct {
	// Remote is nil when no remote store is configured.
	Remote   storage.RemoteStore
	Fallback storage.FallbackStore
	Logger   *slog.Logger
	// IDs generates marker ids. Defaults to UUIDv7.
	IDs      func() string
	Observer Observer
}

// Options tune a Controller. Zero values select defaults.
type Options struct {
	ConnectTimeout time.Duration
	TimeoutPolicy  TimeoutPolicy
	DocumentPath   string
	Clock          Clock
}

// Controller owns the MapData aggregate and its connectivity state.
type Controller struct {
	deps    Dependencies
	opts    Options
	log     *slog.Logger
	metrics *metrics

	mu          sync.Mutex
	state       State
	data        core.MapData
	started     bool
	closed      bool
	gen         uint64
	unsub       storage.Unsubscribe
	timer       Timer
	ready       chan struct{}
	readyClosed bool
	watchers    map[uint64]chan Update
	nextWatcher uint64
}

// New creates a controller in the connecting state. Call Start to connect.
func New(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IDs == nil {
		deps.IDs = newID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DocumentPath == "" {
		opts.DocumentPath = storage.DefaultPath
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create mapsync metrics: %w", err)
	}

	return &Controller{
		deps:     deps,
		opts:     opts,
		log:      deps.Logger.With("component", "mapsync"),
		metrics:  m,
		state:    State{Status: StatusConnecting},
		data:     core.EmptyMapData(),
		ready:    make(chan struct{}),
		watchers: make(map[uint64]chan Update),
	}, nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Start connects to the remote store. Connection problems are reported
// through State, not through the returned error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.connect(ctx)
	return nil
}

// Retry tears down the current session and connects again. It is the only
// way out of the error state.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.gen++
	c.stopTimerLocked()
	release := c.unsub
	c.unsub = nil
	if c.readyClosed {
		c.ready = make(chan struct{})
		c.readyClosed = false
	}
	after := c.transitionLocked(State{Status: StatusConnecting})
	c.mu.Unlock()

	if release != nil {
		release()
	}
	after()

	c.connect(ctx)
	return nil
}

func (c *Controller) connect(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	remote := c.deps.Remote
	if remote == nil {
		c.log.Warn("Remote store not configured, using local storage")
		c.data = c.loadFallbackLocked()
		after := c.transitionLocked(State{Status: StatusOffline, Reason: ErrConfigurationMissing})
		c.mu.Unlock()
		after()
		return
	}
	c.timer = c.opts.Clock.AfterFunc(c.opts.ConnectTimeout, func() { c.onTimeout(gen) })
	c.mu.Unlock()

	c.log.Debug("Subscribing to map document", "path", c.opts.DocumentPath, "timeout", c.opts.ConnectTimeout)
	unsub, err := remote.Subscribe(ctx, c.opts.DocumentPath,
		func(d core.MapData) { c.onSnapshot(gen, d) },
		func(err error) { c.onError(gen, err) },
	)
	if err != nil {
		c.onError(gen, err)
		return
	}

	c.mu.Lock()
	if !c.liveLocked(gen) || c.state.Status == StatusOffline || c.state.Status == StatusError {
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsub = unsub
	c.mu.Unlock()
}

func (c *Controller) liveLocked(gen uint64) bool {
	return !c.closed && c.gen == gen
}

func (c *Controller) onSnapshot(gen uint64, d core.MapData) {
	if d.Markers == nil {
		d.Markers = []core.LocationMarker{}
	}

	c.mu.Lock()
	if !c.liveLocked(gen) {
		c.mu.Unlock()
		return
	}
	switch c.state.Status {
	case StatusConnecting:
		c.data = d.Clone()
		after := c.transitionLocked(State{Status: StatusOnline})
		c.mu.Unlock()
		after()
	case StatusOnline:
		c.data = d.Clone()
		c.broadcastLocked()
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) onTimeout(gen uint64) {
	c.mu.Lock()
	if !c.liveLocked(gen) || c.state.Status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.log.Warn("Remote store did not respond", "timeout", c.opts.ConnectTimeout)
	after := c.fallbackLocked(ErrConnectionTimeout)
	c.mu.Unlock()
	after()
}

func (c *Controller) onError(gen uint64, err error) {
	c.mu.Lock()
	if !c.liveLocked(gen) {
		c.mu.Unlock()
		return
	}
	status := c.state.Status
	if status != StatusConnecting && status != StatusOnline {
		c.mu.Unlock()
		return
	}

	var after func()
	switch kind := classify(err); kind {
	case KindPermissionDenied, KindMisconfigured:
		c.log.Error("Remote store rejected subscription", "kind", kind, "error", err)
		after = c.transitionLocked(State{Status: StatusError, Kind: kind, Reason: err})
	default:
		if status == StatusOnline {
			c.mu.Unlock()
			c.log.Warn("Remote subscription error, keeping last snapshot", "error", err)
			return
		}
		c.log.Warn("Remote store unavailable", "error", err)
		after = c.fallbackLocked(err)
	}
	c.mu.Unlock()
	after()
}

// fallbackLocked leaves connecting according to the timeout policy.
func (c *Controller) fallbackLocked(reason error) func() {
	if c.opts.TimeoutPolicy == PolicyError {
		return c.transitionLocked(State{Status: StatusError, Kind: KindUnreachable, Reason: reason})
	}
	c.data = c.loadFallbackLocked()
	return c.transitionLocked(State{Status: StatusOffline, Reason: reason})
}

func (c *Controller) loadFallbackLocked() core.MapData {
	if c.deps.Fallback == nil {
		return core.EmptyMapData()
	}
	data, ok, err := c.deps.Fallback.Load()
	if err != nil {
		c.log.Warn("Local map data unreadable, starting empty", "error", err)
		return core.EmptyMapData()
	}
	if !ok {
		return core.EmptyMapData()
	}
	return data
}

// transitionLocked must be called with c.mu held. The returned func runs the
// side effects that must happen after unlocking.
func (c *Controller) transitionLocked(next State) func() {
	from := c.state
	c.state = next

	var release storage.Unsubscribe
	if next.Status != StatusConnecting {
		c.stopTimerLocked()
		if !c.readyClosed {
			close(c.ready)
			c.readyClosed = true
		}
	}
	if next.Status == StatusOffline || next.Status == StatusError {
		release = c.unsub
		c.unsub = nil
	}
	c.metrics.transition(next)
	c.broadcastLocked()

	return func() {
		if release != nil {
			release()
		}
		if from.Status != next.Status {
			c.log.Info("Connectivity changed", "from", from.String(), "to", next.String())
		}
		if c.deps.Observer != nil {
			c.deps.Observer.StateChanged(from, next)
		}
	}
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) broadcastLocked() {
	u := Update{State: c.state, Data: c.data.Clone()}
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- u
	}
}

// State returns the current connectivity state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connectivity returns the state rendered for log attributes.
func (c *Controller) Connectivity() string {
	return c.State().String()
}

// Snapshot returns a copy of the current map data.
func (c *Controller) Snapshot() core.MapData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Clone()
}

// Ready returns a channel closed once the state leaves connecting.
func (c *Controller) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Subscribe returns a channel receiving the latest Update. Slow readers see
// only the most recent value. The current value is delivered immediately.
func (c *Controller) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = ch
	ch <- Update{State: c.state, Data: c.data.Clone()}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}
}

// Close releases the subscription and stops the connect timer. Later
// callbacks from the remote store are ignored. Close does not close the stores.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.stopTimerLocked()
	release := c.unsub
	c.unsub = nil
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
	c.mu.Unlock()

	if release != nil {
		release()
	}
	return nil
}

// SetBackground replaces the background reference. An empty ref clears it.
// Admin only.
func (c *Controller) SetBackground(ctx context.Context, ref string) error {
	patch := storage.Patch{BackgroundImage: core.StringPtr(ref)}
	if ref == "" {
		patch = storage.Patch{ClearBackground: true}
	}
	return c.mutate(ctx, "set_background",
		func(remote storage.RemoteStore) error {
			return remote.Merge(ctx, c.opts.DocumentPath, patch)
		},
		func(d core.MapData) (core.MapData, bool) {
			return storage.ApplyPatch(d, patch), true
		},
	)
}

// AddMarker validates the draft, assigns it a fresh id and appends it.
// Admin only.
func (c *Controller) AddMarker(ctx context.Context, draft core.MarkerDraft) (core.LocationMarker, error) {
	if draft.Type == "" {
		draft.Type = core.DefaultMarkerType
	}
	if err := draft.Validate(); err != nil {
		return core.LocationMarker{}, err
	}
	marker := draft.WithID(c.deps.IDs())

	err := c.mutate(ctx, "add_marker",
		func(remote storage.RemoteStore) error {
			return remote.AppendUnique(ctx, c.opts.DocumentPath, storage.MarkersField, marker)
		},
		func(d core.MapData) (core.MapData, bool) {
			return storage.AppendUniqueMarker(d, marker)
		},
	)
	if err != nil {
		return core.LocationMarker{}, err
	}
	return marker, nil
}

// RemoveMarker deletes the marker with the given id. Removing an id that
// does not exist is a no-op. Admin only.
//
// Online removal reads the document and writes it back whole, so a marker
// appended concurrently by another client between the two may be lost.
func (c *Controller) RemoveMarker(ctx context.Context, id string) error {
	return c.mutate(ctx, "remove_marker",
		func(remote storage.RemoteStore) error {
			cur, err := remote.Read(ctx, c.opts.DocumentPath)
			if err != nil {
				return err
			}
			next, removed := storage.WithoutMarker(cur, id)
			if !removed {
				return nil
			}
			return remote.Write(ctx, c.opts.DocumentPath, next)
		},
		func(d core.MapData) (core.MapData, bool) {
			return storage.WithoutMarker(d, id)
		},
	)
}

func (c *Controller) mutate(
	ctx context.Context,
	op string,
	online func(storage.RemoteStore) error,
	offline func(core.MapData) (core.MapData, bool),
) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	status := c.state.Status

	var err error
	switch status {
	case StatusOnline:
		remote := c.deps.Remote
		c.mu.Unlock()
		err = online(remote)
	case StatusOffline:
		next, changed := offline(c.data)
		if changed {
			if c.deps.Fallback != nil {
				err = c.deps.Fallback.Save(next)
			}
			if err == nil {
				c.data = next
				c.broadcastLocked()
			}
		}
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return ErrNotReady
	}

	c.metrics.mutation(ctx, op, status, err)
	if c.deps.Observer != nil {
		c.deps.Observer.Mutation(op, status, err)
	}
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			c.log.Warn("Local storage quota exceeded, try a smaller image", "op", op)
		} else {
			c.log.Error("Map mutation failed", "op", op, "status", status, "error", err)
		}
		return fmt.Errorf("%s: %w", strings.ReplaceAll(op, "_", " "), err)
	}
	return nil
}
