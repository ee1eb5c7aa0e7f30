package main

import (
	"context"
	"fmt"
	"io"

	"github.com/OCAP2/worldmap/internal/cache"
	"github.com/OCAP2/worldmap/internal/mapsync"
)

// watch prints state transitions and marker changes until ctx is done or
// the update channel closes.
func watch(ctx context.Context, updates <-chan mapsync.Update, out io.Writer) error {
	index := cache.NewMarkerIndex()
	var (
		lastState string
		lastBg    string
		first     = true
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if st := u.State.String(); st != lastState {
				fmt.Fprintf(out, "state %s\n", st)
				lastState = st
			}
			if bg := u.Data.Background(); first || bg != lastBg {
				if bg != "" {
					fmt.Fprintf(out, "background %s\n", shorten(bg))
				} else if !first {
					fmt.Fprintln(out, "background cleared")
				}
				lastBg = bg
			}
			first = false

			diff := index.Sync(u.Data.Markers)
			for _, m := range diff.Added {
				fmt.Fprintf(out, "+ %s %s %q (%.2f, %.2f)\n", m.ID, m.Type, m.Title, m.X, m.Y)
			}
			for _, m := range diff.Changed {
				fmt.Fprintf(out, "~ %s %s %q (%.2f, %.2f)\n", m.ID, m.Type, m.Title, m.X, m.Y)
			}
			for _, m := range diff.Removed {
				fmt.Fprintf(out, "- %s %q\n", m.ID, m.Title)
			}
		}
	}
}

// shorten trims long references such as data URLs for display.
func shorten(s string) string {
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
