package main

import (
	"context"
	"sort"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/state"
	"github.com/urfave/cli/v3"
)

// Status prints the last persisted state snapshot without touching either
// platform, so it is safe to run alongside a live daemon.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	st := state.NewStore(config.State.Path, true, r.logger).Load()

	if cmd.Bool("json") {
		return r.writeJSON(st, cmd.Bool("pretty"))
	}

	if st.LastSyncAt.IsZero() {
		return r.writePlain("no sync has completed yet\n")
	}

	r.writePlain("last sync: %s\n", st.LastSyncAt.Format(time.RFC3339))
	r.writePlain("watching %d books, tracking %d\n\n", len(st.Watchlist), len(st.Books))

	ids := make([]string, 0, len(st.Books))
	for id := range st.Books {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		book := st.Books[id]
		r.writePlain("%s  audible=%.0fs abs=%.0fs", id,
			book.Side(models.SideAudible).PositionSeconds,
			book.Side(models.SideABS).PositionSeconds)
		if book.LastResult != "" {
			r.writePlain("  [%s]", book.LastResult)
		}
		r.writePlain("\n")
	}

	return nil
}
