package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/OCAP2/worldmap/internal/dispatcher"
	"github.com/OCAP2/worldmap/internal/logging"
	"github.com/OCAP2/worldmap/internal/mapsync"
	"github.com/OCAP2/worldmap/internal/objectstore"
	"github.com/OCAP2/worldmap/internal/shell"
	"github.com/OCAP2/worldmap/internal/viewport"
	"github.com/OCAP2/worldmap/pkg/core"
)

const (
	defaultContainerWidth  = 1280
	defaultContainerHeight = 720
)

// repl binds a shell session to dispatcher commands and prints results.
type repl struct {
	ctx     context.Context
	session *shell.Session
	ctrl    *mapsync.Controller
	d       *dispatcher.Dispatcher

	outMu sync.Mutex
	out   io.Writer
}

func shellCommand(ctx context.Context, a *app, _ []string, in io.Reader, out io.Writer) error {
	r, err := newREPL(ctx, a.session(), a.ctrl, a.zlog, out)
	if err != nil {
		return err
	}
	defer r.d.Close()

	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}
	go r.session.Follow(ctx)
	mon := a.startMonitor(r.d.Queued)
	defer mon.Stop()

	r.println("worldmap shell, :HELP: lists commands")
	return r.run(ctx, in)
}

func newREPL(ctx context.Context, s *shell.Session, ctrl *mapsync.Controller, zlog zerolog.Logger, out io.Writer) (*repl, error) {
	d, err := dispatcher.New(logging.NewDispatcherLogger(zlog))
	if err != nil {
		return nil, err
	}
	r := &repl{ctx: ctx, session: s, ctrl: ctrl, d: d, out: out}
	s.SetContainer(core.Size{Width: defaultContainerWidth, Height: defaultContainerHeight})
	r.register()
	return r, nil
}

func (r *repl) register() {
	d := r.d
	d.Register(":HELP:", func(dispatcher.Event) (any, error) {
		return strings.TrimRight(d.Usage(), "\n"), nil
	}, dispatcher.Help("list commands"))

	d.Register(":LOGIN:", r.login, dispatcher.Help("<secret> enter admin mode"))
	d.Register(":LOGOUT:", func(dispatcher.Event) (any, error) {
		r.session.Logout()
		return "view mode", nil
	}, dispatcher.Help("leave admin mode"))

	d.Register(":STATE:", r.state, dispatcher.Help("connectivity, markers and view"))
	d.Register(":RETRY:", func(dispatcher.Event) (any, error) {
		if err := r.ctrl.Retry(r.ctx); err != nil {
			return nil, err
		}
		return "reconnecting", nil
	}, dispatcher.Help("reconnect after an error"), dispatcher.Logged())
	d.Register(":LAYOUT:", r.layout, dispatcher.Help("<width> <height> set the container size"))

	d.Register(":TAP:", r.tap, dispatcher.Help("<x> <y> click the map"))
	d.Register(":WHEEL:", r.wheel, dispatcher.Help("<deltaY> scroll to zoom"))
	d.Register(":ZOOM:IN:", func(dispatcher.Event) (any, error) {
		return fmt.Sprintf("scale %.2f", r.session.Viewport().ZoomIn()), nil
	}, dispatcher.Help("zoom in one step"))
	d.Register(":ZOOM:OUT:", func(dispatcher.Event) (any, error) {
		return fmt.Sprintf("scale %.2f", r.session.Viewport().ZoomOut()), nil
	}, dispatcher.Help("zoom out one step"))
	d.Register(":DRAG:START:", r.dragStart, dispatcher.Help("<x> <y> [touches] begin panning"))
	d.Register(":DRAG:MOVE:", r.dragMove, dispatcher.Help("<x> <y> [touches] pan"))
	d.Register(":DRAG:END:", func(dispatcher.Event) (any, error) {
		r.session.Viewport().DragEnd()
		return r.offset(), nil
	}, dispatcher.Help("end panning"))

	d.Register(":SELECT:", r.selectMarker, dispatcher.Help("<id> open a location"))
	d.Register(":CLOSE:", func(dispatcher.Event) (any, error) {
		r.session.CloseDetail()
		return "closed", nil
	}, dispatcher.Help("close the location view"))
	d.Register(":SAVE:", r.save,
		dispatcher.Help("<type> <title> | <description> [| image | token] save the pending placement"),
		dispatcher.Logged())
	d.Register(":DELETE:", r.remove, dispatcher.Help("<id> delete a location"), dispatcher.Logged())
	d.Register(":UPLOAD:MAP:", r.uploadMap, dispatcher.Help("<file> replace the background"), dispatcher.Logged())
	d.Register(":UPLOAD:IMAGE:", r.uploadImage, dispatcher.Help("<tokens|locations> <file> upload an image"), dispatcher.Logged())
	d.Register(":LORE:", r.lore,
		dispatcher.Help("<type> <name> generate a description"),
		dispatcher.Buffered(4), dispatcher.Logged())
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		r.exec(line)
	}
}

// exec dispatches one line and prints its result or error.
func (r *repl) exec(line string) {
	res, err := r.d.DispatchLine(line)
	switch {
	case err != nil:
		r.println("error: " + err.Error())
	case res == "queued":
	case res != nil:
		r.println(fmt.Sprint(res))
	}
}

func (r *repl) println(s string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *repl) login(e dispatcher.Event) (any, error) {
	if err := r.session.Login(e.Arg(0)); err != nil {
		return nil, err
	}
	return "admin mode", nil
}

func (r *repl) state(dispatcher.Event) (any, error) {
	st := r.ctrl.State()
	data := r.ctrl.Snapshot()
	view := r.session.Viewport()
	mode := "view"
	if r.session.Admin() {
		mode = "admin"
	}
	return fmt.Sprintf("%s %s markers=%d visible=%d scale=%.2f offset=%s",
		st, mode, len(data.Markers), len(view.VisibleMarkers(data.Markers)), view.Scale(), r.offset()), nil
}

func (r *repl) offset() string {
	o := r.session.Viewport().Offset()
	return fmt.Sprintf("(%.1f, %.1f)", o.X, o.Y)
}

func (r *repl) layout(e dispatcher.Event) (any, error) {
	w, err := floatArg(e, 0)
	if err != nil {
		return nil, err
	}
	h, err := floatArg(e, 1)
	if err != nil {
		return nil, err
	}
	r.session.SetContainer(core.Size{Width: w, Height: h})
	return fmt.Sprintf("container %.0fx%.0f", w, h), nil
}

func (r *repl) tap(e dispatcher.Event) (any, error) {
	p, err := pointArg(e)
	if err != nil {
		return nil, err
	}
	placement, ok := r.session.HandleTap(p)
	if !ok {
		return "ignored", nil
	}
	return fmt.Sprintf("placement %.2f %.2f", placement.X, placement.Y), nil
}

func (r *repl) wheel(e dispatcher.Event) (any, error) {
	delta, err := floatArg(e, 0)
	if err != nil {
		return nil, err
	}
	res := r.session.Viewport().Wheel(delta)
	return fmt.Sprintf("scale %.2f", res.Scale), nil
}

func (r *repl) pointer(e dispatcher.Event) (viewport.Pointer, error) {
	p, err := pointArg(e)
	if err != nil {
		return viewport.Pointer{}, err
	}
	if e.Arg(2) == "" {
		return viewport.Mouse(p.X, p.Y), nil
	}
	touches, err := strconv.Atoi(e.Arg(2))
	if err != nil {
		return viewport.Pointer{}, fmt.Errorf("touches: %w", err)
	}
	return viewport.Touch(p.X, p.Y, touches), nil
}

func (r *repl) dragStart(e dispatcher.Event) (any, error) {
	p, err := r.pointer(e)
	if err != nil {
		return nil, err
	}
	r.session.Viewport().DragStart(p)
	return nil, nil
}

func (r *repl) dragMove(e dispatcher.Event) (any, error) {
	p, err := r.pointer(e)
	if err != nil {
		return nil, err
	}
	r.session.Viewport().DragMove(p)
	return r.offset(), nil
}

func (r *repl) selectMarker(e dispatcher.Event) (any, error) {
	m, err := r.session.MarkerClicked(e.Arg(0))
	if err != nil {
		return nil, err
	}
	style := core.MarkerStyle(m.Type)
	return fmt.Sprintf("%s [%s] at (%.2f, %.2f)\n%s", m.Title, style.Label, m.X, m.Y, m.Description), nil
}

func (r *repl) save(e dispatcher.Event) (any, error) {
	t, err := core.ParseMarkerType(e.Arg(0))
	if err != nil {
		return nil, err
	}
	parts := strings.Split(e.Rest(1), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	form := shell.LocationForm{Type: t, Title: parts[0]}
	if len(parts) > 1 {
		form.Description = parts[1]
	}
	if len(parts) > 2 {
		form.Image = parts[2]
	}
	if len(parts) > 3 {
		form.MarkerImage = parts[3]
	}
	m, err := r.session.SaveLocation(r.ctx, form)
	if err != nil {
		return nil, err
	}
	return "saved " + m.ID, nil
}

func (r *repl) remove(e dispatcher.Event) (any, error) {
	if err := r.session.DeleteLocation(r.ctx, e.Arg(0)); err != nil {
		return nil, err
	}
	return "deleted " + e.Arg(0), nil
}

func (r *repl) uploadMap(e dispatcher.Event) (any, error) {
	path := e.Rest(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ref, err := r.session.UploadMap(r.ctx, data, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return "background " + shorten(ref), nil
}

func (r *repl) uploadImage(e dispatcher.Event) (any, error) {
	folder := strings.ToLower(e.Arg(0))
	if folder != objectstore.FolderTokens && folder != objectstore.FolderLocations {
		return nil, fmt.Errorf("unknown folder %q", e.Arg(0))
	}
	path := e.Rest(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ref, err := r.session.UploadImage(r.ctx, data, folder, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// lore runs on the dispatcher's buffer and prints when the text arrives.
func (r *repl) lore(e dispatcher.Event) (any, error) {
	t, err := core.ParseMarkerType(e.Arg(0))
	if err != nil {
		r.println("error: " + err.Error())
		return nil, err
	}
	text, err := r.session.GenerateLore(r.ctx, e.Rest(1), t)
	if err != nil {
		r.println("error: " + err.Error())
		return nil, err
	}
	r.println(text)
	return text, nil
}

func floatArg(e dispatcher.Event, i int) (float64, error) {
	s := e.Arg(i)
	if s == "" {
		return 0, errors.New("missing number")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func pointArg(e dispatcher.Event) (core.Point, error) {
	x, err := floatArg(e, 0)
	if err != nil {
		return core.Point{}, err
	}
	y, err := floatArg(e, 1)
	if err != nil {
		return core.Point{}, err
	}
	return core.Point{X: x, Y: y}, nil
}
