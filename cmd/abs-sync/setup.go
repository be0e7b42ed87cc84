package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kidhasmoxy/audible-abs-sync/internal/repositories"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
	"github.com/urfave/cli/v3"
)

// Setup creates the config file from the embedded template when missing and
// initializes the resolution cache schema.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	var config *shared.Config
	if _, err := os.Stat(configPath); err == nil {
		if config, err = shared.LoadConfig(configPath); err != nil {
			return fmt.Errorf("existing config is invalid: %w", err)
		}
		r.logger.Info("using existing config", "path", configPath)
	} else {
		if err := shared.CreateConfigFile(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		r.logger.Info("config file created", "path", configPath)
		if config, err = shared.LoadConfig(configPath); err != nil {
			return fmt.Errorf("failed to load created config: %w", err)
		}
	}

	r.logger.Info("initializing resolution cache", "path", config.Database.Path)

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()

	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	repo, err := repositories.NewResolutionRepository(db)
	if err != nil {
		return err
	}

	r.writePlain("✓ setup complete\n")
	r.writePlain("config: %s\n", configPath)
	r.writePlain("resolution cache: %s (%d cached)\n", config.Database.Path, repo.Count())
	r.writePlain("next: fill in credentials, then run 'abs-sync run'\n")

	return nil
}
