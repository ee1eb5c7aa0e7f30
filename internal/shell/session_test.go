package shell

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/worldmap/internal/imageinfo"
	"github.com/OCAP2/worldmap/internal/mapsync"
	"github.com/OCAP2/worldmap/internal/objectstore"
	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/internal/storage/memory"
	"github.com/OCAP2/worldmap/internal/viewport"
	"github.com/OCAP2/worldmap/pkg/core"
)

const secret = "s3cret"

type fakeObjects struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (f *fakeObjects) Upload(_ context.Context, _ []byte, folder, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, folder+"/"+name)
	return "https://cdn.example/" + folder + "/" + name, nil
}

type fakeLore struct {
	calls []string
}

func (f *fakeLore) Generate(_ context.Context, name, locationType string) string {
	f.calls = append(f.calls, name+"|"+locationType)
	return "Туман скрывает " + name
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

type env struct {
	session *Session
	ctrl    *mapsync.Controller
	remote  *memory.Remote
	objects *fakeObjects
	lore    *fakeLore
}

func newEnv(t *testing.T, online bool) *env {
	t.Helper()
	e := &env{objects: &fakeObjects{}, lore: &fakeLore{}}
	deps := mapsync.Dependencies{Fallback: memory.NewFallback(0)}
	if online {
		e.remote = memory.NewRemote()
		deps.Remote = e.remote
	}
	ctrl, err := mapsync.New(deps, mapsync.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Close() })
	e.ctrl = ctrl

	e.session = New(Deps{
		Controller: ctrl,
		Viewport:   viewport.New(),
		Auth:       NewSharedSecret(secret),
		Objects:    e.objects,
		Lore:       e.lore,
	})
	e.session.SetContainer(core.Size{Width: 1000, Height: 500})
	return e
}

func (e *env) sync() {
	e.session.Apply(mapsync.Update{State: e.ctrl.State(), Data: e.ctrl.Snapshot()})
}

// withMap logs in, uploads a 200x100 background and applies the update.
func (e *env) withMap(t *testing.T) {
	t.Helper()
	require.NoError(t, e.session.Login(secret))
	_, err := e.session.UploadMap(context.Background(), pngOf(t, 200, 100), "world.png")
	require.NoError(t, err)
	e.sync()
}

func TestLogin(t *testing.T) {
	e := newEnv(t, false)
	assert.ErrorIs(t, e.session.Login("wrong"), ErrBadSecret)
	assert.False(t, e.session.Admin())

	require.NoError(t, e.session.Login(secret))
	assert.True(t, e.session.Admin())
}

func TestHandleTap_ViewModeIgnored(t *testing.T) {
	e := newEnv(t, false)
	e.withMap(t)
	e.session.Logout()

	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	assert.False(t, ok)
	_, pending := e.session.PendingPlacement()
	assert.False(t, pending)
}

func TestHandleTap_AdminPlacement(t *testing.T) {
	e := newEnv(t, false)
	e.withMap(t)

	pl, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)
	assert.Equal(t, viewport.Placement{X: 50, Y: 50}, pl)

	got, pending := e.session.PendingPlacement()
	require.True(t, pending)
	assert.Equal(t, pl, got)

	_, ok = e.session.HandleTap(core.Point{X: 10, Y: 10})
	assert.False(t, ok, "outside the image")
}

func TestLogoutClearsPending(t *testing.T) {
	e := newEnv(t, false)
	e.withMap(t)
	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)

	e.session.Logout()
	_, pending := e.session.PendingPlacement()
	assert.False(t, pending)
}

func TestSaveLocation_Offline(t *testing.T) {
	e := newEnv(t, false)
	e.withMap(t)
	_, ok := e.session.HandleTap(core.Point{X: 450, Y: 225})
	require.True(t, ok)

	m, err := e.session.SaveLocation(context.Background(), LocationForm{
		Title:       "Old Tower",
		Description: "Ruins",
		Type:        core.MarkerDungeon,
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, m.X)
	assert.Equal(t, 25.0, m.Y)
	assert.NotEmpty(t, m.ID)

	_, pending := e.session.PendingPlacement()
	assert.False(t, pending)
	assert.True(t, e.ctrl.Snapshot().HasMarker(m.ID))
}

func TestSaveLocation_Guards(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	form := LocationForm{Title: "A", Description: "B"}

	_, err := e.session.SaveLocation(ctx, form)
	assert.ErrorIs(t, err, ErrNotAdmin)

	e.withMap(t)
	_, err = e.session.SaveLocation(ctx, form)
	assert.ErrorIs(t, err, ErrNoPlacement)

	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)
	_, err = e.session.SaveLocation(ctx, LocationForm{Title: "A"})
	assert.ErrorIs(t, err, ErrMissingFields)

	_, pending := e.session.PendingPlacement()
	assert.True(t, pending, "failed save keeps the placement")
	assert.Empty(t, e.ctrl.Snapshot().Markers)
}

func TestMarkerClickedClearsPending(t *testing.T) {
	e := newEnv(t, false)
	e.withMap(t)
	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)
	m, err := e.session.SaveLocation(context.Background(), LocationForm{Title: "Inn", Description: "Warm", Type: core.MarkerShop})
	require.NoError(t, err)

	_, ok = e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)

	got, err := e.session.MarkerClicked(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	_, pending := e.session.PendingPlacement()
	assert.False(t, pending)

	sel, ok := e.session.Selected()
	require.True(t, ok)
	assert.Equal(t, m.ID, sel.ID)

	_, err = e.session.MarkerClicked("missing")
	assert.ErrorIs(t, err, ErrUnknownLocation)
}

func TestDeleteLocation(t *testing.T) {
	e := newEnv(t, true)
	e.withMap(t)
	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)
	m, err := e.session.SaveLocation(context.Background(), LocationForm{Title: "Keep", Description: "Stone"})
	require.NoError(t, err)
	assert.Equal(t, core.DefaultMarkerType, m.Type)

	_, err = e.session.MarkerClicked(m.ID)
	require.NoError(t, err)

	require.NoError(t, e.session.DeleteLocation(context.Background(), m.ID))
	_, ok = e.session.Selected()
	assert.False(t, ok)
	assert.False(t, e.ctrl.Snapshot().HasMarker(m.ID))

	// Already gone: still succeeds and closes the detail view.
	require.NoError(t, e.session.DeleteLocation(context.Background(), m.ID))

	e.session.Logout()
	assert.ErrorIs(t, e.session.DeleteLocation(context.Background(), m.ID), ErrNotAdmin)
}

func TestApplyDropsVanishedSelection(t *testing.T) {
	e := newEnv(t, true)
	e.withMap(t)
	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok)
	m, err := e.session.SaveLocation(context.Background(), LocationForm{Title: "Camp", Description: "Tents"})
	require.NoError(t, err)
	_, err = e.session.MarkerClicked(m.ID)
	require.NoError(t, err)

	// Another client removes it.
	e.remote.Seed(storage.DefaultPath, core.MapData{BackgroundImage: e.ctrl.Snapshot().BackgroundImage, Markers: []core.LocationMarker{}})
	e.sync()

	_, ok = e.session.Selected()
	assert.False(t, ok)
}

func TestUploadMap_OnlineUsesObjectStore(t *testing.T) {
	e := newEnv(t, true)
	require.NoError(t, e.session.Login(secret))

	ref, err := e.session.UploadMap(context.Background(), pngOf(t, 200, 100), "world.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/maps/world.png", ref)
	assert.Equal(t, ref, e.ctrl.Snapshot().Background())
	assert.Equal(t, []string{"maps/world.png"}, e.objects.uploads)

	e.sync()
	rect, ok := e.session.Viewport().ImageRect()
	require.True(t, ok)
	assert.Equal(t, 200.0, rect.Size.Width)
}

func TestUploadMap_OfflineInlines(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, e.session.Login(secret))

	ref, err := e.session.UploadMap(context.Background(), pngOf(t, 8, 8), "tiny.png")
	require.NoError(t, err)
	assert.True(t, imageinfo.IsDataURL(ref))
	assert.Empty(t, e.objects.uploads)
	assert.Equal(t, ref, e.ctrl.Snapshot().Background())
}

func TestUploadMap_RejectsBadInput(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.session.UploadMap(context.Background(), pngOf(t, 2, 2), "m.png")
	assert.ErrorIs(t, err, ErrNotAdmin)

	require.NoError(t, e.session.Login(secret))
	_, err = e.session.UploadMap(context.Background(), nil, "m.png")
	assert.ErrorIs(t, err, imageinfo.ErrEmpty)
	_, err = e.session.UploadMap(context.Background(), []byte("text"), "m.txt")
	assert.ErrorIs(t, err, imageinfo.ErrUnsupported)

	e.objects.err = storage.ErrUploadUnauthorized
	_, err = e.session.UploadMap(context.Background(), pngOf(t, 2, 2), "m.png")
	assert.ErrorIs(t, err, storage.ErrUploadUnauthorized)
	assert.Nil(t, e.ctrl.Snapshot().BackgroundImage)
}

func TestUploadImage(t *testing.T) {
	e := newEnv(t, true)
	require.NoError(t, e.session.Login(secret))

	ref, err := e.session.UploadImage(context.Background(), pngOf(t, 4, 4), objectstore.FolderTokens, "orc.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/tokens/orc.png", ref)
}

func TestUploadMap_ResetsViewport(t *testing.T) {
	e := newEnv(t, false)
	e.withMap(t)
	v := e.session.Viewport()
	v.ZoomIn()
	v.DragStart(viewport.Mouse(10, 10))
	v.DragMove(viewport.Mouse(60, 40))
	require.NotEqual(t, 1.0, v.Scale())

	_, err := e.session.UploadMap(context.Background(), pngOf(t, 300, 100), "second.png")
	require.NoError(t, err)
	e.sync()

	assert.Equal(t, 1.0, v.Scale())
	assert.Equal(t, core.Point{}, v.Offset())
	assert.False(t, v.Dragging())
	rect, ok := v.ImageRect()
	require.True(t, ok)
	assert.Equal(t, 300.0, rect.Size.Width)
}

func TestGenerateLore(t *testing.T) {
	e := newEnv(t, false)
	_, err := e.session.GenerateLore(context.Background(), "  ", core.MarkerCity)
	assert.ErrorIs(t, err, ErrEmptyName)

	text, err := e.session.GenerateLore(context.Background(), "Riverhold", core.MarkerCity)
	require.NoError(t, err)
	assert.Equal(t, "Туман скрывает Riverhold", text)
	assert.Equal(t, []string{"Riverhold|city"}, e.lore.calls)
}

// newLinkedEnv starts an online session whose remote map already links its
// background at url.
func newLinkedEnv(t *testing.T, url string) *env {
	t.Helper()
	e := &env{objects: &fakeObjects{}, lore: &fakeLore{}, remote: memory.NewRemote()}
	e.remote.Seed(storage.DefaultPath, core.MapData{BackgroundImage: &url, Markers: []core.LocationMarker{}})

	ctrl, err := mapsync.New(mapsync.Dependencies{Remote: e.remote, Fallback: memory.NewFallback(0)}, mapsync.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Close() })
	require.Equal(t, mapsync.StatusOnline, ctrl.State().Status)
	e.ctrl = ctrl

	e.session = New(Deps{
		Controller: ctrl,
		Auth:       NewSharedSecret(secret),
		Objects:    e.objects,
		Images:     imageinfo.NewFetcher(time.Second),
	})
	return e
}

func TestHandleTap_LinkedBackground(t *testing.T) {
	body := pngOf(t, 200, 100)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	e := newLinkedEnv(t, server.URL+"/maps/1_world.png")
	require.NoError(t, e.session.Login(secret))
	e.sync()
	e.session.SetContainer(core.Size{Width: 1000, Height: 500})

	pl, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	require.True(t, ok, "tap at the container centre places on a linked background")
	assert.Equal(t, viewport.Placement{X: 50, Y: 50}, pl)

	e.session.SetContainer(core.Size{Width: 800, Height: 400})
	assert.Equal(t, int32(1), hits.Load(), "natural size is cached")
}

func TestHandleTap_BrokenLinkFetchedOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	e := newLinkedEnv(t, server.URL+"/maps/gone.png")
	require.NoError(t, e.session.Login(secret))
	e.sync()
	e.session.SetContainer(core.Size{Width: 1000, Height: 500})
	e.session.SetContainer(core.Size{Width: 1000, Height: 500})

	_, ok := e.session.HandleTap(core.Point{X: 500, Y: 250})
	assert.False(t, ok)
	assert.Equal(t, int32(1), hits.Load())
}
