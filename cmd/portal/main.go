/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the retirement-plan portal. Handles configuration,
  dependency injection, and graceful shutdown.

SUBCOMMANDS:
  serve    Start the HTTP API server
  seed     Load the demo dataset into an empty database
  evolve   Advance the simulation clock from the command line

CONFIGURATION:
  Defaults, overlaid by an optional TOML file (-config), overlaid by
  PORTAL_HOST / PORTAL_PORT / PORTAL_DB / PORTAL_LOG_LEVEL.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Seed and serve with a file database
  ./portal seed -db=./data/portal.db
  ./portal serve -config=portal.toml

  # Advance three months without the HTTP surface
  ./portal evolve -db=./data/portal.db -steps=3

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration loading
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/phuslu/log"

	"github.com/antonragin/pgbl-vgbl-portal/api"
	"github.com/antonragin/pgbl-vgbl-portal/config"
	"github.com/antonragin/pgbl-vgbl-portal/engine"
	"github.com/antonragin/pgbl-vgbl-portal/seed"
	"github.com/antonragin/pgbl-vgbl-portal/store/sqlite"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(subcommands.HelpCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&seedCmd{}, "")
	commander.Register(&evolveCmd{}, "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

func newLogger(level string) log.Logger {
	return log.Logger{
		Level:      log.ParseLevel(level),
		TimeFormat: time.RFC3339,
		Writer:     &log.ConsoleWriter{ColorOutput: true},
	}
}

// =============================================================================
// SERVE
// =============================================================================

type serveCmd struct {
	configPath string
	dbPath     string
	port       int
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "start the HTTP API server" }
func (*serveCmd) Usage() string {
	return `portal serve [-config <file>] [-db <path>] [-port <port>]

  Starts the portal API server. Flags override the config file.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML configuration file")
	f.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
	f.IntVar(&c.port, "port", 0, "HTTP server port (overrides config)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}
	if c.port != 0 {
		cfg.Server.Port = c.port
	}

	logger := newLogger(cfg.Logging.Level)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize database")
		return subcommands.ExitFailure
	}
	defer store.Close()

	handler := api.NewHandler(store, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("db", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		return subcommands.ExitFailure
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return subcommands.ExitFailure
	}

	logger.Info().Msg("server stopped")
	return subcommands.ExitSuccess
}

// =============================================================================
// SEED
// =============================================================================

type seedCmd struct {
	configPath string
	dbPath     string
}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "load the demo dataset into an empty database" }
func (*seedCmd) Usage() string {
	return `portal seed [-config <file>] [-db <path>]

  Creates the demo users, plans, funds, and certificates. Refuses to run
  against a database that already has users.
`
}

func (c *seedCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML configuration file")
	f.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}

	logger := newLogger(cfg.Logging.Level)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize database")
		return subcommands.ExitFailure
	}
	defer store.Close()

	if err := seed.Apply(ctx, store); err != nil {
		logger.Error().Err(err).Msg("seeding failed")
		return subcommands.ExitFailure
	}

	logger.Info().Str("db", cfg.Database.Path).Msg("demo dataset loaded")
	return subcommands.ExitSuccess
}

// =============================================================================
// EVOLVE
// =============================================================================

type evolveCmd struct {
	configPath string
	dbPath     string
	steps      int
}

func (*evolveCmd) Name() string     { return "evolve" }
func (*evolveCmd) Synopsis() string { return "advance the simulation clock" }
func (*evolveCmd) Usage() string {
	return `portal evolve [-config <file>] [-db <path>] [-steps <n>]

  Advances the simulation by n months, updating fund NAVs and draining the
  pending request queue. Prints the per-month event log.
`
}

func (c *evolveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML configuration file")
	f.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
	f.IntVar(&c.steps, "steps", 1, "number of months to advance")
}

func (c *evolveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}

	logger := newLogger(cfg.Logging.Level)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize database")
		return subcommands.ExitFailure
	}
	defer store.Close()

	months, err := engine.New(store, logger).Evolve(ctx, c.steps)
	if err != nil {
		logger.Error().Err(err).Msg("evolution failed")
		return subcommands.ExitFailure
	}

	for _, m := range months {
		fmt.Printf("Month %d (%s):\n", m.Month, m.Date)
		for _, ev := range m.Events {
			fmt.Printf("  %s\n", ev)
		}
	}
	return subcommands.ExitSuccess
}
