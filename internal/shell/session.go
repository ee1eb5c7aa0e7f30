// Package shell composes the viewport, the sync controller and the outer
// services into one interactive map session.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/OCAP2/worldmap/internal/imageinfo"
	"github.com/OCAP2/worldmap/internal/mapsync"
	"github.com/OCAP2/worldmap/internal/objectstore"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/internal/viewport"
	"github.com/OCAP2/worldmap/pkg/core"
)

var (
	ErrNotAdmin        = errors.New("admin login required")
	ErrBadSecret       = errors.New("invalid admin secret")
	ErrNoPlacement     = errors.New("no pending placement")
	ErrMissingFields   = errors.New("title and description are required")
	ErrEmptyName       = errors.New("location name is required")
	ErrNoObjectStore   = errors.New("object store not configured")
	ErrUnknownLocation = errors.New("unknown location")
)

// LoreGenerator produces a description for a location.
type LoreGenerator interface {
	Generate(ctx context.Context, name, locationType string) string
}

// LocationForm is the sidebar form submitted by SaveLocation.
type LocationForm struct {
	Title       string
	Description string
	Type        core.MarkerType
	Image       string
	MarkerImage string
}

// Deps are the collaborators of a Session. Objects, Lore and Images may be
// nil. Without Images the size of a linked background stays unknown.
type Deps struct {
	Controller *mapsync.Controller
	Viewport   *viewport.Engine
	Auth       Authenticator
	Objects    storage.ObjectStore
	Lore       LoreGenerator
	Images     *imageinfo.Fetcher
	Logger     *slog.Logger
}

// Session is one user's view of the shared map.
type Session struct {
	ctrl    *mapsync.Controller
	view    *viewport.Engine
	auth    Authenticator
	objects storage.ObjectStore
	lore    LoreGenerator
	images  *imageinfo.Fetcher
	log     *slog.Logger

	mu        sync.Mutex
	admin     bool
	pending   *viewport.Placement
	selected  *core.LocationMarker
	container core.Size
	sizes     map[string]core.Size // natural size per known background ref
}

// New creates a Session in view mode.
func New(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Viewport == nil {
		deps.Viewport = viewport.New()
	}
	if deps.Auth == nil {
		deps.Auth = SharedSecret{}
	}
	return &Session{
		ctrl:    deps.Controller,
		view:    deps.Viewport,
		auth:    deps.Auth,
		objects: deps.Objects,
		lore:    deps.Lore,
		images:  deps.Images,
		log:     deps.Logger.With("component", "shell"),
		sizes:   make(map[string]core.Size),
	}
}

// Viewport returns the session's viewport engine.
func (s *Session) Viewport() *viewport.Engine { return s.view }

// Login enables admin mode when the secret is accepted.
func (s *Session) Login(secret string) error {
	if !s.auth.Authenticate(secret) {
		s.log.Warn("Admin login rejected")
		return ErrBadSecret
	}
	s.mu.Lock()
	s.admin = true
	s.mu.Unlock()
	s.log.Info("Admin login")
	return nil
}

// Logout leaves admin mode and drops the pending placement.
func (s *Session) Logout() {
	s.mu.Lock()
	s.admin = false
	s.pending = nil
	s.mu.Unlock()
}

// Admin reports whether the session is in admin mode.
func (s *Session) Admin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin
}

// HandleTap forwards a click to the viewport. In admin mode a tap on the
// image becomes the pending placement.
func (s *Session) HandleTap(p core.Point) (viewport.Placement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.view.Tap(p, s.admin)
	if ok {
		s.pending = &pl
	}
	return pl, ok
}

// PendingPlacement returns the coordinates waiting for the sidebar form.
func (s *Session) PendingPlacement() (viewport.Placement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return viewport.Placement{}, false
	}
	return *s.pending, true
}

// MarkerClicked selects a marker for the detail view and cancels any
// pending placement.
func (s *Session) MarkerClicked(id string) (core.LocationMarker, error) {
	m, ok := s.ctrl.Snapshot().Marker(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if !ok {
		s.selected = nil
		return core.LocationMarker{}, fmt.Errorf("%w: %s", ErrUnknownLocation, id)
	}
	s.selected = &m
	return m, nil
}

// Selected returns the marker shown in the detail view.
func (s *Session) Selected() (core.LocationMarker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return core.LocationMarker{}, false
	}
	return *s.selected, true
}

// CloseDetail closes the detail view.
func (s *Session) CloseDetail() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

// SaveLocation creates a marker at the pending placement.
func (s *Session) SaveLocation(ctx context.Context, form LocationForm) (core.LocationMarker, error) {
	s.mu.Lock()
	admin, pending := s.admin, s.pending
	s.mu.Unlock()

	if !admin {
		return core.LocationMarker{}, ErrNotAdmin
	}
	if pending == nil {
		return core.LocationMarker{}, ErrNoPlacement
	}
	if strings.TrimSpace(form.Title) == "" || strings.TrimSpace(form.Description) == "" {
		return core.LocationMarker{}, ErrMissingFields
	}

	m, err := s.ctrl.AddMarker(ctx, core.MarkerDraft{
		X:           pending.X,
		Y:           pending.Y,
		Title:       form.Title,
		Description: form.Description,
		Type:        form.Type,
		Image:       form.Image,
		MarkerImage: form.MarkerImage,
	})
	if err != nil {
		return core.LocationMarker{}, err
	}

	s.mu.Lock()
	if s.pending == pending {
		s.pending = nil
	}
	s.mu.Unlock()
	return m, nil
}

// DeleteLocation removes a marker and closes the detail view.
func (s *Session) DeleteLocation(ctx context.Context, id string) error {
	if !s.Admin() {
		return ErrNotAdmin
	}
	if err := s.ctrl.RemoveMarker(ctx, id); err != nil {
		return err
	}
	s.CloseDetail()
	return nil
}

// UploadMap stores a new background image and points the map at it.
func (s *Session) UploadMap(ctx context.Context, data []byte, name string) (string, error) {
	if !s.Admin() {
		return "", ErrNotAdmin
	}
	info, err := imageinfo.Probe(data)
	if err != nil {
		return "", fmt.Errorf("map image: %w", err)
	}
	ref, err := s.store(ctx, data, objectstore.FolderMaps, name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sizes[ref] = info.Size
	s.mu.Unlock()

	if err := s.ctrl.SetBackground(ctx, ref); err != nil {
		return "", err
	}
	s.log.Info("Map background updated", "format", info.Format, "width", info.Size.Width, "height", info.Size.Height)
	return ref, nil
}

// UploadImage stores a token or location illustration and returns its
// reference for use in a LocationForm.
func (s *Session) UploadImage(ctx context.Context, data []byte, folder, name string) (string, error) {
	if !s.Admin() {
		return "", ErrNotAdmin
	}
	if _, err := imageinfo.Probe(data); err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	return s.store(ctx, data, folder, name)
}

// store uploads online and inlines the image offline.
func (s *Session) store(ctx context.Context, data []byte, folder, name string) (string, error) {
	if s.ctrl.State().Status != mapsync.StatusOnline {
		return objectstore.Inline{}.Upload(ctx, data, folder, name)
	}
	if s.objects == nil {
		return "", ErrNoObjectStore
	}
	ref, err := s.objects.Upload(ctx, data, folder, name)
	if err != nil {
		if errors.Is(err, storage.ErrUploadUnauthorized) {
			s.log.Error("Object store rejected upload, check its access rules", "folder", folder)
		}
		return "", err
	}
	return ref, nil
}

// GenerateLore asks the lore service for a description.
func (s *Session) GenerateLore(ctx context.Context, name string, t core.MarkerType) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	if s.lore == nil {
		return "", errors.New("lore service not configured")
	}
	return s.lore.Generate(ctx, name, string(t)), nil
}

// SetContainer records the on-screen size of the map container.
func (s *Session) SetContainer(size core.Size) {
	s.mu.Lock()
	s.container = size
	s.mu.Unlock()
	s.applyLayout(s.ctrl.Snapshot().Background())
}

// Apply routes a controller update to the viewport and the detail view.
func (s *Session) Apply(u mapsync.Update) {
	if s.view.OnBackgroundChanged(u.Data.BackgroundImage) {
		s.applyLayout(u.Data.Background())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return
	}
	if m, ok := u.Data.Marker(s.selected.ID); ok {
		s.selected = &m
	} else {
		s.selected = nil
	}
}

func (s *Session) applyLayout(ref string) {
	s.mu.Lock()
	natural, known := s.sizes[ref]
	container := s.container
	s.mu.Unlock()

	if !known {
		natural = s.probe(ref)
	}
	s.view.SetLayout(container, natural)
}

// probe learns the natural size of ref from its bytes. The answer is cached,
// a failed lookup included, so a broken link is fetched once.
func (s *Session) probe(ref string) core.Size {
	var (
		info imageinfo.Info
		err  error
	)
	switch {
	case imageinfo.IsDataURL(ref):
		var data []byte
		if _, data, err = imageinfo.ParseDataURL(ref); err == nil {
			info, err = imageinfo.Probe(data)
		}
	case s.images != nil && imageinfo.IsRemoteURL(ref):
		info, err = s.images.ProbeURL(context.Background(), ref)
	default:
		return core.Size{}
	}
	if err != nil {
		s.log.Warn("Failed to read background size", "error", err)
		info = imageinfo.Info{}
	}

	s.mu.Lock()
	s.sizes[ref] = info.Size
	s.mu.Unlock()
	return info.Size
}

// Follow applies controller updates until ctx is done or the controller
// closes.
func (s *Session) Follow(ctx context.Context) {
	updates, cancel := s.ctrl.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.Apply(u)
		}
	}
}
