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
	"time"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/artifact"
	"github.com/harbouros/appliance/internal/config"
	"github.com/harbouros/appliance/internal/migration"
	"github.com/harbouros/appliance/internal/staging"
	"github.com/harbouros/appliance/internal/system"
	"github.com/harbouros/appliance/internal/update"
	"github.com/harbouros/appliance/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newUpdateLogger(cfg)

	switch os.Args[1] {
	case "check":
		pull, _ := buildPull(logger, cfg, true)
		res, err := pull.Check(contextWithSignals())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if res.UpdateAvailable {
			fmt.Printf("update available: %s -> %s\n", res.CurrentVersion, res.TargetVersion)
		} else {
			fmt.Printf("up to date at %s\n", res.CurrentVersion)
		}

	case "apply":
		pull, _ := buildPull(logger, cfg, false)
		if err := pull.Run(contextWithSignals()); err != nil {
			var ae *update.ApplyError
			if errors.As(err, &ae) {
				fmt.Fprintf(os.Stderr, "Error: %s\n", ae.Diagnostic)
				os.Exit(ae.ExitCode)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		interval := fs.Duration("interval", 6*time.Hour, "Time between update checks")
		fs.Parse(os.Args[2:])

		pull, _ := buildPull(logger, cfg, false)
		pull.RunLoop(contextWithSignals(), *interval)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: updater <command>

Commands:
  check              Check for an available update without applying it
  apply              Run one full update cycle (check, stage, apply, verify)
  run [-interval d]  Run update cycles on a fixed interval`)
}

// newUpdateLogger logs to stdout and appends to the update log file, which
// the dashboard tails.
func newUpdateLogger(cfg *config.Config) zerolog.Logger {
	var w zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stdout)
	if f, err := os.OpenFile(cfg.UpdateLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		w = zerolog.MultiLevelWriter(os.Stdout, f)
	}

	logger := zerolog.New(w).With().Timestamp().Str("service", "updater").Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// buildPull wires the full pull path: working copy, engine, rollback
// controller, and adapter.
func buildPull(logger zerolog.Logger, cfg *config.Config, checkOnly bool) (*update.PullAdapter, *version.Ledger) {
	runner := system.ExecRunner{}
	services := system.NewSystemdManager(logger, runner)
	ledger := version.NewLedger(cfg.LedgerPath)
	wc := update.NewGitWorkingCopy(logger, runner, cfg.WorkingCopyDir, cfg.Branch)

	engine := update.NewEngine(logger, update.EngineConfig{
		Artifacts:        artifact.Table(artifact.DefaultRoots()),
		Migrations:       migration.NewRunner(logger, cfg.MarkerDir, migration.Builtin(runner)),
		Services:         services,
		Runner:           runner,
		Health:           update.NewHealthChecker(logger, services, update.AdminServiceUnit, cfg.HealthURL),
		VenvDir:          cfg.VenvDir,
		RequirementsPath: filepath.Join(cfg.InstallDir, staging.RequirementsFile),
	})

	rollback := update.NewRollbackController(logger, wc, ledger, engine, cfg.StagingDir, cfg.ApplyBin)
	return update.NewPullAdapter(logger, wc, ledger, rollback, checkOnly), ledger
}

func contextWithSignals() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
