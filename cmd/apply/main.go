package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/artifact"
	"github.com/harbouros/appliance/internal/config"
	"github.com/harbouros/appliance/internal/migration"
	"github.com/harbouros/appliance/internal/staging"
	"github.com/harbouros/appliance/internal/system"
	"github.com/harbouros/appliance/internal/update"
	"github.com/harbouros/appliance/internal/version"
)

// apply is the push-path entry point. An operator (or harbourctl deploy)
// stages a bundle on the appliance and runs this binary from inside it.
// There is no rollback here: the operator is present to intervene.
func main() {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	stagingDir := fs.String("staging", "", "Staged bundle directory (default: the update staging path)")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	dir := *stagingDir
	if dir == "" {
		dir = cfg.StagingDir
	}

	logger := newUpdateLogger(cfg)

	runner := system.ExecRunner{}
	services := system.NewSystemdManager(logger, runner)

	engine := update.NewEngine(logger, update.EngineConfig{
		Artifacts:        artifact.Table(artifact.DefaultRoots()),
		Migrations:       migration.NewRunner(logger, cfg.MarkerDir, migration.Builtin(runner)),
		Services:         services,
		Runner:           runner,
		Health:           update.NewHealthChecker(logger, services, update.AdminServiceUnit, cfg.HealthURL),
		VenvDir:          cfg.VenvDir,
		RequirementsPath: filepath.Join(cfg.InstallDir, staging.RequirementsFile),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := update.Push(ctx, logger, dir, engine)
	if err != nil {
		var ae *update.ApplyError
		if errors.As(err, &ae) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", ae.Diagnostic)
			os.Exit(ae.ExitCode)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Move the working copy to the pushed revision and record it, so the
	// dashboard, the checkout, and the pull path agree on what is installed.
	wc := update.NewGitWorkingCopy(logger, runner, cfg.WorkingCopyDir, cfg.Branch)
	ledger := version.NewLedger(cfg.LedgerPath)
	if rerr := update.RecordPush(ctx, logger, wc, ledger, res); rerr != nil {
		logger.Error().Err(rerr).Msg("failed to record applied version")
	}

	fmt.Printf("applied %s (%s)\n", res.Version, update.ShortSHA(res.SHA))
}

// newUpdateLogger logs to stderr and appends to the update log file so
// push-path applies land in the same dashboard log as scheduled ones.
func newUpdateLogger(cfg *config.Config) zerolog.Logger {
	var w zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stderr)
	if f, err := os.OpenFile(cfg.UpdateLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		w = zerolog.MultiLevelWriter(os.Stderr, f)
	}

	logger := zerolog.New(w).With().Timestamp().Str("service", "apply").Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
