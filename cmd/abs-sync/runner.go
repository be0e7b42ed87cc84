package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/kidhasmoxy/audible-abs-sync/internal/engine"
	"github.com/kidhasmoxy/audible-abs-sync/internal/repositories"
	"github.com/kidhasmoxy/audible-abs-sync/internal/services"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
	"github.com/kidhasmoxy/audible-abs-sync/internal/state"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config *shared.Config
	logger *log.Logger
	output io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config *shared.Config
	Logger *log.Logger
	Output io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config: opts.Config,
		logger: opts.Logger,
		output: opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		runCommand, statusCommand, tuiCommand, setupCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// loadConfig resolves configuration for a command: an explicit injected
// config wins, then the --config file, then pure environment variables.
func (r *Runner) loadConfig(cmd *cli.Command) (*shared.Config, error) {
	if r.config != nil {
		return r.config, nil
	}

	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil {
		config, err := shared.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return config, nil
	}

	r.logger.Info("config file not found, using environment", "path", path)
	return shared.FromEnv()
}

// buildEngine wires the full daemon dependency graph: resolution cache,
// both providers, state store, scheduler.
func (r *Runner) buildEngine(config *shared.Config) (*engine.Scheduler, *state.Store, *sql.DB, error) {
	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open resolution cache: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	resolutions, err := repositories.NewResolutionRepository(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	audible := services.NewAudibleService(services.AudibleOpts{
		SessionPath: config.Audible.SessionPath,
		Locale:      config.Audible.Locale,
		RecentLimit: config.Audible.RecentlyPlayedLimit,
		Timeout:     config.Sync.RequestTimeout(),
		RateLimit:   config.Audible.RateLimit,
		Logger:      r.logger,
	})

	abs := services.NewABSService(services.ABSOpts{
		BaseURL:   config.ABS.BaseURL,
		Token:     config.ABS.Token,
		LibraryID: config.ABS.LibraryID,
		Timeout:   config.Sync.RequestTimeout(),
		RateLimit: config.ABS.RateLimit,
		Resolver:  resolutions,
		Logger:    r.logger,
	})

	store := state.NewStore(config.State.Path, config.State.Enabled, r.logger)

	scheduler := engine.NewScheduler(engine.SchedulerOpts{
		Config:  config.Sync,
		Audible: audible,
		ABS:     abs,
		Store:   store,
		Logger:  r.logger,
	})

	return scheduler, store, db, nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
