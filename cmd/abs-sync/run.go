package main

import (
	"context"

	"github.com/kidhasmoxy/audible-abs-sync/internal/server"
	"github.com/urfave/cli/v3"
)

// Run starts the daemon: scheduler plus the optional status HTTP server,
// both stopping on SIGINT/SIGTERM via the command context.
func (r *Runner) Run(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("dry-run") {
		config.Sync.DryRun = true
	}

	scheduler, _, db, err := r.buildEngine(config)
	if err != nil {
		return err
	}
	defer db.Close()

	r.logger.Info("starting sync daemon",
		"mode", config.Sync.Mode,
		"interval", config.Sync.Interval(),
		"dry_run", config.Sync.DryRun)

	if config.Server.Enabled {
		srv := server.New(config.Server, scheduler, r.logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				r.logger.Error("status server stopped", "err", err)
			}
		}()
	}

	return scheduler.Run(ctx)
}
