// Package update implements the appliance's self-update state machine: one
// apply engine shared by the operator-driven push path and the unattended
// timer-driven pull path, so both obey identical migration, restart, and
// health-check semantics.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/artifact"
	"github.com/harbouros/appliance/internal/migration"
	"github.com/harbouros/appliance/internal/staging"
	"github.com/harbouros/appliance/internal/system"
)

// AdminServiceUnit is the application service restarted when code or
// dependencies change.
const AdminServiceUnit = "harbouros-admin"

// Health verifies the admin service after a restart.
type Health interface {
	Wait(ctx context.Context) error
}

// Applier applies one staged bundle. Satisfied by *Engine; the rollback
// controller and tests consume the interface.
type Applier interface {
	Apply(ctx context.Context, b *staging.Bundle) (*Result, error)
}

// Result describes a completed apply attempt.
type Result struct {
	AttemptID         string
	Version           string
	SHA               string
	ChangedArtifacts  []string
	AppliedMigrations []string
	RestartedServices []string
}

// EngineConfig wires the engine's collaborators and live paths.
type EngineConfig struct {
	Artifacts  []artifact.Artifact
	Migrations *migration.Runner
	Services   system.ServiceManager
	Runner     system.Runner
	Health     Health
	// VenvDir is the Python virtualenv that receives dependency installs.
	VenvDir string
	// RequirementsPath is the live dependency manifest fed to pip.
	RequirementsPath string
}

// Engine orchestrates change detection, one-time migrations, reload effects,
// and post-restart verification for one staged bundle. Its side effects are
// confined to the managed artifact paths and the declared reload targets.
type Engine struct {
	logger zerolog.Logger
	cfg    EngineConfig
}

func NewEngine(logger zerolog.Logger, cfg EngineConfig) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "apply-engine").Logger(),
		cfg:    cfg,
	}
}

// Apply runs one apply attempt against a staged bundle. The bundle is
// deleted unconditionally before returning, success or failure.
func (e *Engine) Apply(ctx context.Context, b *staging.Bundle) (res *Result, err error) {
	start := time.Now()
	attempt := uuid.NewString()
	logger := e.logger.With().
		Str("attempt", attempt).
		Str("version", b.Manifest.Version).
		Str("sha", ShortSHA(b.Manifest.SHA)).
		Logger()

	defer func() {
		if rmErr := b.Remove(); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("failed to delete staged bundle")
		}
		applyDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			applyTotal.WithLabelValues("failure").Inc()
		} else {
			applyTotal.WithLabelValues("success").Inc()
		}
	}()

	logger.Info().Msg("starting apply attempt")

	res = &Result{
		AttemptID: attempt,
		Version:   b.Manifest.Version,
		SHA:       b.Manifest.SHA,
	}

	// Every staged artifact must exist before any side effect runs. A
	// partial bundle aborts the attempt here, with nothing migrated and
	// nothing installed.
	for _, a := range e.cfg.Artifacts {
		if _, serr := os.Stat(filepath.Join(b.Dir, a.StagedPath)); serr != nil {
			ierr := fmt.Errorf("%w: missing %s", staging.ErrIncomplete, a.StagedPath)
			return res, applyErr(ierr, "incomplete bundle: missing %s", a.StagedPath)
		}
	}

	// One-time migrations first, so artifact installs land on a prepared
	// system (packages present, accounts created).
	applied, err := e.cfg.Migrations.RunPending(ctx, b.Manifest.Version)
	res.AppliedMigrations = applied
	if err != nil {
		return res, applyErr(fmt.Errorf("%w: %v", ErrMigration, err), "migration failed: %v", err)
	}

	// Diff and materialize each managed artifact, accumulating reload
	// effects. Artifacts are applied in their fixed sequential order.
	effects := make(map[artifact.Effect]bool)
	for _, a := range e.cfg.Artifacts {
		action, derr := artifact.Detect(b.Dir, a)
		if derr != nil {
			return res, applyErr(derr, "diff %s: %v", a.Name, derr)
		}
		if action == artifact.ActionNoop {
			continue
		}

		logger.Info().Str("artifact", a.Name).Str("effect", a.Effect.String()).Msg("installing changed artifact")
		if ierr := artifact.Install(b.Dir, a); ierr != nil {
			return res, applyErr(fmt.Errorf("%w: %v", ErrArtifactWrite, ierr), "install %s: %v", a.Name, ierr)
		}
		res.ChangedArtifacts = append(res.ChangedArtifacts, a.Name)
		if a.Effect != artifact.EffectNone {
			effects[a.Effect] = true
		}
	}

	if err := e.applyEffects(ctx, logger, effects, res); err != nil {
		return res, err
	}

	logger.Info().
		Int("changed", len(res.ChangedArtifacts)).
		Int("migrations", len(res.AppliedMigrations)).
		Strs("restarted", res.RestartedServices).
		Msg("apply attempt succeeded")

	return res, nil
}

// applyEffects executes the accumulated reload effects in their fixed
// dependency order: dependency install and daemon reload before the service
// restart that depends on them; firewall and sysctl independent of both.
func (e *Engine) applyEffects(ctx context.Context, logger zerolog.Logger, effects map[artifact.Effect]bool, res *Result) error {
	if effects[artifact.EffectReinstallDeps] {
		logger.Info().Msg("reinstalling dependencies")
		if err := e.installDependencies(ctx); err != nil {
			return applyErr(err, "reinstall dependencies: %v", err)
		}
		// A changed dependency manifest always implies a service restart.
		effects[artifact.EffectRestartService] = true
	}

	if effects[artifact.EffectDaemonReload] {
		logger.Info().Msg("reloading service manager daemon")
		if err := e.cfg.Services.DaemonReload(ctx); err != nil {
			return applyErr(err, "daemon-reload: %v", err)
		}
	}

	if effects[artifact.EffectRestartFirewall] {
		logger.Info().Msg("restarting firewall")
		if err := e.cfg.Services.Restart(ctx, "nftables"); err != nil {
			return applyErr(err, "restart firewall: %v", err)
		}
		res.RestartedServices = append(res.RestartedServices, "nftables")
	}

	if effects[artifact.EffectApplySysctl] {
		logger.Info().Msg("re-applying kernel parameters")
		if _, err := e.cfg.Runner.Run(ctx, "sysctl", "--system"); err != nil {
			return applyErr(err, "apply sysctl: %v", err)
		}
	}

	if effects[artifact.EffectRestartService] {
		logger.Info().Str("unit", AdminServiceUnit).Msg("restarting application service")
		if err := e.cfg.Services.Restart(ctx, AdminServiceUnit); err != nil {
			return applyErr(err, "restart %s: %v", AdminServiceUnit, err)
		}
		res.RestartedServices = append(res.RestartedServices, AdminServiceUnit)

		if err := e.cfg.Health.Wait(ctx); err != nil {
			return applyErr(err, "%v", err)
		}
	}

	return nil
}

func (e *Engine) installDependencies(ctx context.Context) error {
	pip := filepath.Join(e.cfg.VenvDir, "bin", "pip")
	_, err := e.cfg.Runner.Run(ctx, pip, "install", "--no-input", "-r", e.cfg.RequirementsPath)
	return err
}
