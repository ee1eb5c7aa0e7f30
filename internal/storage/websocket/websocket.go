// Package websocket implements storage.RemoteStore against a document store
// server speaking the pkg/streaming protocol.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/core"
	"github.com/OCAP2/worldmap/pkg/streaming"
)

const defaultAckTimeout = 10 * time.Second

// Config holds WebSocket backend configuration.
type Config struct {
	URL        string
	Token      string
	AckTimeout time.Duration
	// Backoff is the first reconnect delay; it doubles per attempt.
	Backoff time.Duration
}

// Remote is a storage.RemoteStore over a single WebSocket connection.
// The connection is dialed on first use.
type Remote struct {
	cfg  Config
	conn *connection
	log  *slog.Logger

	dialMu sync.Mutex
	dialed bool
}

var _ storage.RemoteStore = (*Remote)(nil)

// New creates a new WebSocket remote store.
func New(cfg Config, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	logger = logger.With("backend", "websocket")
	return &Remote{
		cfg:  cfg,
		conn: newConnection(cfg.URL, cfg.Token, cfg.Backoff, logger),
		log:  logger,
	}
}

func (r *Remote) ensure(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	if r.dialed {
		return nil
	}
	if err := r.conn.dial(ctx); err != nil {
		return err
	}
	r.dialed = true
	return nil
}

func (r *Remote) request(ctx context.Context, typ, path string, payload any) (streaming.Envelope, error) {
	if err := r.ensure(ctx); err != nil {
		return streaming.Envelope{}, err
	}
	return r.conn.request(ctx, typ, path, payload, r.cfg.AckTimeout)
}

// Subscribe implements storage.RemoteStore. Snapshots arrive on the read
// goroutine. A dial failure is returned directly.
func (r *Remote) Subscribe(ctx context.Context, path string, onSnapshot func(core.MapData), onError func(error)) (storage.Unsubscribe, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}

	id := r.conn.newID()
	r.conn.addSubscription(id, &subscription{
		path: path,
		onSnapshot: func(env streaming.Envelope) {
			var doc streaming.DocumentPayload
			if err := json.Unmarshal(env.Payload, &doc); err != nil {
				r.log.Warn("Malformed snapshot", "path", path, "error", err)
				return
			}
			onSnapshot(doc.Data)
		},
		onError: onError,
	})

	data, err := marshalEnvelope(streaming.TypeSubscribe, id, path, nil)
	if err != nil {
		r.conn.removeSubscription(id)
		return nil, err
	}
	if _, err := r.conn.requestRaw(ctx, id, streaming.TypeSubscribe, data, r.cfg.AckTimeout); err != nil {
		r.conn.removeSubscription(id)
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if !r.conn.removeSubscription(id) {
				return
			}
			if data, err := marshalEnvelope(streaming.TypeUnsubscribe, id, path, nil); err == nil {
				r.conn.send(data)
			}
		})
	}, nil
}

// Merge implements storage.RemoteStore.
func (r *Remote) Merge(ctx context.Context, path string, patch storage.Patch) error {
	fields := make(map[string]json.RawMessage)
	switch {
	case patch.ClearBackground:
		fields["backgroundImage"] = json.RawMessage("null")
	case patch.BackgroundImage != nil:
		raw, err := json.Marshal(*patch.BackgroundImage)
		if err != nil {
			return err
		}
		fields["backgroundImage"] = raw
	}
	_, err := r.request(ctx, streaming.TypeMerge, path, streaming.MergePayload{Fields: fields})
	return err
}

// AppendUnique implements storage.RemoteStore.
func (r *Remote) AppendUnique(ctx context.Context, path, field string, marker core.LocationMarker) error {
	_, err := r.request(ctx, streaming.TypeAppendUnique, path, streaming.AppendUniquePayload{Field: field, Element: marker})
	return err
}

// Read implements storage.RemoteStore.
func (r *Remote) Read(ctx context.Context, path string) (core.MapData, error) {
	env, err := r.request(ctx, streaming.TypeRead, path, nil)
	if err != nil {
		return core.MapData{}, err
	}
	var doc streaming.DocumentPayload
	if err := json.Unmarshal(env.Payload, &doc); err != nil {
		return core.MapData{}, fmt.Errorf("decode read reply: %w", err)
	}
	if doc.Data.Markers == nil {
		doc.Data.Markers = []core.LocationMarker{}
	}
	return doc.Data, nil
}

// Write implements storage.RemoteStore.
func (r *Remote) Write(ctx context.Context, path string, data core.MapData) error {
	_, err := r.request(ctx, streaming.TypeWrite, path, streaming.DocumentPayload{Data: data})
	return err
}

// Close disconnects from the server.
func (r *Remote) Close() error {
	return r.conn.close()
}
