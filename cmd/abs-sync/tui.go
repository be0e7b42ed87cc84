package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kidhasmoxy/audible-abs-sync/internal/state"
	"github.com/kidhasmoxy/audible-abs-sync/internal/ui"
	"github.com/urfave/cli/v3"
)

// TUI launches the interactive dashboard over the persisted state snapshot.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	store := state.NewStore(config.State.Path, true, r.logger)
	model := ui.NewModel(store)
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}
