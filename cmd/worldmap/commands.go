package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OCAP2/worldmap/internal/httpapi"
	"github.com/OCAP2/worldmap/internal/objectstore"
	"github.com/OCAP2/worldmap/internal/shell"
	"github.com/OCAP2/worldmap/pkg/core"
)

type command func(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error

var commands = map[string]command{
	"status":         statusCommand,
	"watch":          watchCommand,
	"add-marker":     addMarkerCommand,
	"remove-marker":  removeMarkerCommand,
	"set-background": setBackgroundCommand,
	"lore":           loreCommand,
	"serve":          serveCommand,
	"shell":          shellCommand,
}

func statusCommand(ctx context.Context, a *app, _ []string, _ io.Reader, out io.Writer) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	st := a.ctrl.State()
	data := a.ctrl.Snapshot()
	fmt.Fprintf(out, "state: %s\n", st)
	if st.Reason != nil {
		fmt.Fprintf(out, "reason: %v\n", st.Reason)
	}
	bg := shorten(data.Background())
	if bg == "" {
		bg = "(none)"
	}
	fmt.Fprintf(out, "background: %s\n", bg)
	fmt.Fprintf(out, "markers: %d\n", len(data.Markers))
	return nil
}

func watchCommand(ctx context.Context, a *app, _ []string, _ io.Reader, out io.Writer) error {
	updates, cancel := a.ctrl.Subscribe()
	defer cancel()
	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}
	return watch(ctx, updates, out)
}

func addMarkerCommand(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("add-marker", flag.ContinueOnError)
	fs.SetOutput(out)
	x := fs.Float64("x", -1, "horizontal position, percent of image width")
	y := fs.Float64("y", -1, "vertical position, percent of image height")
	title := fs.String("title", "", "location name")
	desc := fs.String("desc", "", "location description")
	typ := fs.String("type", string(core.DefaultMarkerType), "city, dungeon, shop or landmark")
	image := fs.String("image", "", "illustration URL, or @file to upload")
	token := fs.String("token", "", "map token URL, or @file to upload")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	t, err := core.ParseMarkerType(*typ)
	if err != nil {
		return err
	}

	s, err := a.adminSession()
	if err != nil {
		return err
	}
	if err := a.startWritable(ctx); err != nil {
		return err
	}

	imageRef, err := resolveImage(ctx, s, *image, objectstore.FolderLocations)
	if err != nil {
		return err
	}
	tokenRef, err := resolveImage(ctx, s, *token, objectstore.FolderTokens)
	if err != nil {
		return err
	}

	m, err := a.ctrl.AddMarker(ctx, core.MarkerDraft{
		X:           *x,
		Y:           *y,
		Title:       strings.TrimSpace(*title),
		Description: strings.TrimSpace(*desc),
		Type:        t,
		Image:       imageRef,
		MarkerImage: tokenRef,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, m.ID)
	return nil
}

// resolveImage uploads "@path" references and passes anything else through.
func resolveImage(ctx context.Context, s *shell.Session, ref, folder string) (string, error) {
	path, ok := strings.CutPrefix(ref, "@")
	if !ok {
		return ref, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return s.UploadImage(ctx, data, folder, filepath.Base(path))
}

func removeMarkerCommand(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: remove-marker <id>", errUsage)
	}
	s, err := a.adminSession()
	if err != nil {
		return err
	}
	if err := a.startWritable(ctx); err != nil {
		return err
	}
	if err := s.DeleteLocation(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(out, "removed", args[0])
	return nil
}

func setBackgroundCommand(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: set-background <file>", errUsage)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	s, err := a.adminSession()
	if err != nil {
		return err
	}
	if err := a.startWritable(ctx); err != nil {
		return err
	}
	ref, err := s.UploadMap(ctx, data, filepath.Base(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ref)
	return nil
}

func loreCommand(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: lore <type> <name>", errUsage)
	}
	t, err := core.ParseMarkerType(args[0])
	if err != nil {
		return err
	}
	text, err := a.session().GenerateLore(ctx, strings.Join(args[1:], " "), t)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}

func serveCommand(ctx context.Context, a *app, args []string, _ io.Reader, _ io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "listen address")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}
	mon := a.startMonitor(nil)
	defer mon.Stop()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.New(a.ctrl, a.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("Serving map", "addr", *addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
