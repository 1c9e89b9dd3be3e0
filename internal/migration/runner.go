// Package migration executes version-gated, one-time side effects during an
// update, tracked via durable marker files. Execution and marker-write are
// not transactional: a crash between the two re-runs the action on the next
// attempt, so every action must be written idempotently ("install if
// absent", "create if absent", "set directive if not already set").
package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// Migration is one one-time side effect, keyed by the release version that
// introduced it and a unique id.
type Migration struct {
	ID      string
	Version string
	Run     func(ctx context.Context) error
}

// Runner executes pending migrations in ascending version order.
type Runner struct {
	logger     zerolog.Logger
	markerDir  string
	migrations []Migration
}

func NewRunner(logger zerolog.Logger, markerDir string, migrations []Migration) *Runner {
	return &Runner{
		logger:     logger.With().Str("component", "migration-runner").Logger(),
		markerDir:  markerDir,
		migrations: migrations,
	}
}

func (r *Runner) markerPath(id string) string {
	return filepath.Join(r.markerDir, id+".done")
}

// Applied reports whether a migration's marker exists.
func (r *Runner) Applied(id string) bool {
	_, err := os.Stat(r.markerPath(id))
	return err == nil
}

// RunPending executes every migration keyed at or below targetVersion whose
// marker is absent, in ascending version order, and returns the ids that
// ran. A migration whose marker exists never runs again, even across
// unrelated version bumps. The first action failure aborts the run with its
// marker unwritten, so the action is retried on the next attempt.
//
// An unparseable target version is an error, not a skip: silently treating
// a garbled VERSION file as "nothing pending" would drop migrations with no
// trace.
func (r *Runner) RunPending(ctx context.Context, targetVersion string) ([]string, error) {
	target, ok := canonical(targetVersion)
	if !ok {
		return nil, fmt.Errorf("invalid target version %q", targetVersion)
	}

	pending := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		mv, ok := canonical(m.Version)
		if !ok {
			return nil, fmt.Errorf("migration %s: invalid version %q", m.ID, m.Version)
		}
		if semver.Compare(mv, target) > 0 {
			continue
		}
		if r.Applied(m.ID) {
			continue
		}
		pending = append(pending, m)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		vi, _ := canonical(pending[i].Version)
		vj, _ := canonical(pending[j].Version)
		return semver.Compare(vi, vj) < 0
	})

	if err := os.MkdirAll(r.markerDir, 0o755); err != nil {
		return nil, fmt.Errorf("create marker dir: %w", err)
	}

	var applied []string
	for _, m := range pending {
		r.logger.Info().
			Str("migration", m.ID).
			Str("version", m.Version).
			Msg("running migration")

		if err := m.Run(ctx); err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.ID, err)
		}
		if err := os.WriteFile(r.markerPath(m.ID), []byte(m.Version+"\n"), 0o644); err != nil {
			return applied, fmt.Errorf("write marker for %s: %w", m.ID, err)
		}
		applied = append(applied, m.ID)
	}

	return applied, nil
}

// canonical maps the appliance's bare version strings ("1.0.5") onto the
// "vMAJOR.MINOR.PATCH" form semver.Compare expects. ok is false for
// anything semver cannot parse, including the ledger's "unknown".
func canonical(v string) (string, bool) {
	if v == "" {
		return "", false
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
