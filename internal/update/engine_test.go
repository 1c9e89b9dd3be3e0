package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbouros/appliance/internal/artifact"
	"github.com/harbouros/appliance/internal/migration"
	"github.com/harbouros/appliance/internal/staging"
)

type engineFixture struct {
	engine *Engine
	log    *opLog
	svc    *fakeServices
	health *fakeHealth
	bundle *staging.Bundle
	live   string
}

// newEngineFixture builds a staged bundle with an app tree, a requirements
// file, and a firewall ruleset, against an empty live root (everything
// counts as changed).
func newEngineFixture(t *testing.T, migrations []migration.Migration) *engineFixture {
	t.Helper()

	root := t.TempDir()
	bundleDir := filepath.Join(root, "staging")
	live := filepath.Join(root, "live")

	write := func(rel, content string) {
		p := filepath.Join(bundleDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("app/main.py", "print('v5')\n")
	write("requirements.txt", "flask==3.0.5\n")
	write("config/nftables.conf", "table inet filter {}\n")

	artifacts := []artifact.Artifact{
		{Name: "application code", StagedPath: "app", LivePath: filepath.Join(live, "app"), Effect: artifact.EffectRestartService, Tree: true},
		{Name: "dependency manifest", StagedPath: "requirements.txt", LivePath: filepath.Join(live, "requirements.txt"), Effect: artifact.EffectReinstallDeps, Mode: 0o644},
		{Name: "firewall ruleset", StagedPath: "config/nftables.conf", LivePath: filepath.Join(live, "nftables.conf"), Effect: artifact.EffectRestartFirewall, Mode: 0o644},
	}

	log := &opLog{}
	svc := newFakeServices(log)
	health := &fakeHealth{log: log}

	engine := NewEngine(zerolog.Nop(), EngineConfig{
		Artifacts:        artifacts,
		Migrations:       migration.NewRunner(zerolog.Nop(), filepath.Join(root, "markers"), migrations),
		Services:         svc,
		Runner:           newFakeRunner(log),
		Health:           health,
		VenvDir:          filepath.Join(live, "venv"),
		RequirementsPath: filepath.Join(live, "requirements.txt"),
	})

	return &engineFixture{
		engine: engine,
		log:    log,
		svc:    svc,
		health: health,
		bundle: &staging.Bundle{Dir: bundleDir, Manifest: staging.Manifest{Version: "1.0.5", SHA: "bbbb2222"}},
		live:   live,
	}
}

func TestApplyInstallsChangedArtifactsInOrder(t *testing.T) {
	var migrated int
	fx := newEngineFixture(t, []migration.Migration{
		{ID: "m-105", Version: "1.0.5", Run: func(context.Context) error { migrated++; return nil }},
	})

	res, err := fx.engine.Apply(context.Background(), fx.bundle)
	require.NoError(t, err)

	assert.Equal(t, 1, migrated)
	assert.Equal(t, []string{"m-105"}, res.AppliedMigrations)
	assert.ElementsMatch(t, []string{"application code", "dependency manifest", "firewall ruleset"}, res.ChangedArtifacts)
	assert.Contains(t, res.RestartedServices, AdminServiceUnit)

	// Effects in dependency order: pip install before the restart that
	// depends on it; firewall independent; health wait after restart.
	var pipIdx, restartIdx, healthIdx int
	for i, op := range fx.log.ops {
		switch {
		case op == "health-wait":
			healthIdx = i
		case op == "restart "+AdminServiceUnit:
			restartIdx = i
		case strings.HasSuffix(op, "requirements.txt"):
			pipIdx = i
		}
	}
	assert.Less(t, pipIdx, restartIdx, "dependency install must precede service restart")
	assert.Less(t, restartIdx, healthIdx, "health wait must follow restart")

	data, err := os.ReadFile(filepath.Join(fx.live, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('v5')\n", string(data))

	// Bundle deleted unconditionally.
	_, err = os.Stat(fx.bundle.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestApplyNoopWhenLiveMatchesStaged(t *testing.T) {
	fx := newEngineFixture(t, nil)

	// Pre-install everything so the second apply sees no change.
	res, err := fx.engine.Apply(context.Background(), fx.bundle)
	require.NoError(t, err)
	require.NotEmpty(t, res.ChangedArtifacts)

	// Rebuild an identical bundle (the first apply deleted it).
	fx2 := newEngineFixtureWithLive(t, fx.live)
	res2, err := fx2.engine.Apply(context.Background(), fx2.bundle)
	require.NoError(t, err)

	assert.Empty(t, res2.ChangedArtifacts)
	assert.Empty(t, res2.RestartedServices)
	assert.Zero(t, fx2.health.waits)
}

// newEngineFixtureWithLive builds a fixture whose live root is pre-populated.
func newEngineFixtureWithLive(t *testing.T, live string) *engineFixture {
	t.Helper()

	root := t.TempDir()
	bundleDir := filepath.Join(root, "staging")

	write := func(rel, content string) {
		p := filepath.Join(bundleDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("app/main.py", "print('v5')\n")
	write("requirements.txt", "flask==3.0.5\n")
	write("config/nftables.conf", "table inet filter {}\n")

	artifacts := []artifact.Artifact{
		{Name: "application code", StagedPath: "app", LivePath: filepath.Join(live, "app"), Effect: artifact.EffectRestartService, Tree: true},
		{Name: "dependency manifest", StagedPath: "requirements.txt", LivePath: filepath.Join(live, "requirements.txt"), Effect: artifact.EffectReinstallDeps, Mode: 0o644},
		{Name: "firewall ruleset", StagedPath: "config/nftables.conf", LivePath: filepath.Join(live, "nftables.conf"), Effect: artifact.EffectRestartFirewall, Mode: 0o644},
	}

	log := &opLog{}
	svc := newFakeServices(log)
	health := &fakeHealth{log: log}

	engine := NewEngine(zerolog.Nop(), EngineConfig{
		Artifacts:        artifacts,
		Migrations:       migration.NewRunner(zerolog.Nop(), filepath.Join(root, "markers"), nil),
		Services:         svc,
		Runner:           newFakeRunner(log),
		Health:           health,
		VenvDir:          filepath.Join(live, "venv"),
		RequirementsPath: filepath.Join(live, "requirements.txt"),
	})

	return &engineFixture{
		engine: engine,
		log:    log,
		svc:    svc,
		health: health,
		bundle: &staging.Bundle{Dir: bundleDir, Manifest: staging.Manifest{Version: "1.0.5", SHA: "bbbb2222"}},
		live:   live,
	}
}

func TestApplyUnhealthyServiceIsApplyError(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.health.err = errors.New("health endpoint returned 502")

	_, err := fx.engine.Apply(context.Background(), fx.bundle)
	require.Error(t, err)

	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.ExitCode)
	assert.Contains(t, ae.Diagnostic, "502")

	// Staging is cleaned up on failure too.
	_, serr := os.Stat(fx.bundle.Dir)
	assert.True(t, os.IsNotExist(serr))
}

func TestApplyMigrationFailureAbortsBeforeArtifacts(t *testing.T) {
	fx := newEngineFixture(t, []migration.Migration{
		{ID: "m-105", Version: "1.0.5", Run: func(context.Context) error {
			return errors.New("apt-get: no network")
		}},
	})

	_, err := fx.engine.Apply(context.Background(), fx.bundle)
	require.ErrorIs(t, err, ErrMigration)

	// No artifact was materialized.
	_, serr := os.Stat(filepath.Join(fx.live, "app"))
	assert.True(t, os.IsNotExist(serr))
}

func TestApplyFailedRestartIsError(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.svc.restartErr[AdminServiceUnit] = errors.New("unit failed to start")

	_, err := fx.engine.Apply(context.Background(), fx.bundle)
	require.Error(t, err)
	assert.Zero(t, fx.health.waits, "no health wait after a failed restart")
}

func TestApplyIncompleteBundleInstallsNothing(t *testing.T) {
	var migrated int
	fx := newEngineFixture(t, []migration.Migration{
		{ID: "m-105", Version: "1.0.5", Run: func(context.Context) error { migrated++; return nil }},
	})

	// A partial transfer: one config file never arrived.
	require.NoError(t, os.Remove(filepath.Join(fx.bundle.Dir, "config", "nftables.conf")))

	_, err := fx.engine.Apply(context.Background(), fx.bundle)
	require.ErrorIs(t, err, staging.ErrIncomplete)

	// Nothing ran and nothing was materialized, not even the artifacts
	// staged before the missing one.
	assert.Zero(t, migrated)
	for _, rel := range []string{"app", "requirements.txt"} {
		_, serr := os.Stat(filepath.Join(fx.live, rel))
		assert.True(t, os.IsNotExist(serr), "%s must not be installed from an incomplete bundle", rel)
	}
	assert.Empty(t, fx.log.ops)
}
