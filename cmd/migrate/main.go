// Package main is the Oxidized-Bio schema tool. It applies the workflow and
// job queue schema embedded in the binary, or a directory given by -path.
//
// Usage:
//
//	migrate -up | -down | -steps N | -version | -force V [-path DIR]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/config"
	"github.com/SampleBias/Oxidized-Bio/internal/database"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command is one schema operation selected on the command line.
type command struct {
	name string
	run  func(*database.Migrator) error
}

func parseCommand(fset *flag.FlagSet, args []string) (command, string, error) {
	up := fset.Bool("up", false, "apply all pending migrations")
	down := fset.Bool("down", false, "revert all migrations")
	steps := fset.Int("steps", 0, "apply N migrations, or revert -N")
	version := fset.Bool("version", false, "print the applied schema version")
	force := fset.Int("force", -1, "mark version V as applied and clean")
	dir := fset.String("path", "", "read migrations from DIR instead of the embedded schema")
	if err := fset.Parse(args); err != nil {
		return command{}, "", err
	}

	var selected []command
	if *up {
		selected = append(selected, command{"up", (*database.Migrator).Up})
	}
	if *down {
		selected = append(selected, command{"down", (*database.Migrator).Down})
	}
	if *steps != 0 {
		n := *steps
		selected = append(selected, command{"steps", func(m *database.Migrator) error { return m.Steps(n) }})
	}
	if *version {
		selected = append(selected, command{"version", func(*database.Migrator) error { return nil }})
	}
	if *force >= 0 {
		v := *force
		selected = append(selected, command{"force", func(m *database.Migrator) error { return m.Force(v) }})
	}

	switch len(selected) {
	case 0:
		return command{}, "", errors.New("specify one of -up, -down, -steps N, -version, -force V")
	case 1:
		return selected[0], *dir, nil
	default:
		return command{}, "", errors.New("specify only one action at a time")
	}
}

func run() error {
	cmd, dir, err := parseCommand(flag.CommandLine, os.Args[1:])
	if err != nil {
		flag.Usage()
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dir == "" {
		dir = cfg.Database.MigrationPath
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}).With().Str("component", "migrate").Logger()

	source, err := database.MigrationSource(dir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, source, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := cmd.run(migrator); err != nil {
		return fmt.Errorf("migrate %s: %w", cmd.name, err)
	}
	logStatus(migrator, logger)
	return nil
}

func logStatus(migrator *database.Migrator, logger zerolog.Logger) {
	st, err := migrator.Status()
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("could not determine schema version")
	case !st.Applied:
		logger.Info().Msg("no migrations applied")
	default:
		logger.Info().Uint("version", st.Version).Bool("dirty", st.Dirty).Msg("schema version")
	}
}
