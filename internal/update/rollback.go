package update

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/staging"
	"github.com/harbouros/appliance/internal/version"
)

// AssembleFunc matches staging.Assemble; injected so tests can observe
// assembly without copying real release trees.
type AssembleFunc func(sourceTree, dst, version, sha, applyBin string) (*staging.Bundle, error)

// RollbackController wraps one pull-path apply attempt: it snapshots the
// current revision, advances the working copy, applies, and on failure
// restores and re-applies the snapshot. The push path never goes through it.
type RollbackController struct {
	logger     zerolog.Logger
	wc         WorkingCopy
	ledger     *version.Ledger
	applier    Applier
	assemble   AssembleFunc
	stagingDir string
	applyBin   string
}

func NewRollbackController(logger zerolog.Logger, wc WorkingCopy, ledger *version.Ledger, applier Applier, stagingDir, applyBin string) *RollbackController {
	return &RollbackController{
		logger:     logger.With().Str("component", "rollback").Logger(),
		wc:         wc,
		ledger:     ledger,
		applier:    applier,
		assemble:   staging.Assemble,
		stagingDir: stagingDir,
		applyBin:   applyBin,
	}
}

// RunWithRollback advances the working copy to the target revision,
// assembles and applies it, and rolls back to the pre-attempt snapshot on
// any apply failure. The returned error is the original apply failure;
// rollback problems are logged, not escalated, since leaving the previous good
// revision's files in place, even if its re-apply half-fails, beats leaving
// the broken new revision live.
func (r *RollbackController) RunWithRollback(ctx context.Context, targetSHA, targetVersion string) error {
	snapSHA, err := r.wc.Head(ctx)
	if err != nil {
		return err
	}
	snapVersion, err := r.wc.VersionAt(ctx, snapSHA)
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not read snapshot version; using ledger")
		if rec, lerr := r.ledger.Read(); lerr == nil {
			snapVersion = rec.CurrentVersion
		}
	}

	logger := r.logger.With().
		Str("snapshot", ShortSHA(snapSHA)).
		Str("target", ShortSHA(targetSHA)).
		Logger()

	if err := r.applyRevision(ctx, targetSHA, targetVersion); err != nil {
		logger.Error().Err(err).Msg("apply failed, rolling back to snapshot")
		r.restoreSnapshot(ctx, logger, snapSHA, snapVersion)

		diagnostic := err.Error()
		var ae *ApplyError
		if errors.As(err, &ae) {
			diagnostic = ae.Diagnostic
		}
		if lerr := r.ledger.SetFailedRolledBack(snapVersion, ShortSHA(snapSHA), targetVersion, diagnostic); lerr != nil {
			logger.Error().Err(lerr).Msg("failed to record rollback status")
		}
		rollbackTotal.WithLabelValues("rolled_back").Inc()
		return err
	}

	if err := r.ledger.SetApplied(targetVersion, ShortSHA(targetSHA), snapVersion); err != nil {
		logger.Error().Err(err).Msg("failed to record applied status")
	}
	rollbackTotal.WithLabelValues("success").Inc()
	logger.Info().
		Str("from", snapVersion).
		Str("to", targetVersion).
		Msg("update applied")
	return nil
}

// applyRevision checks out, assembles, and applies one revision.
func (r *RollbackController) applyRevision(ctx context.Context, sha, ver string) error {
	if err := r.wc.ResetHard(ctx, sha); err != nil {
		return err
	}
	b, err := r.assemble(r.wc.Dir(), r.stagingDir, ver, sha, r.applyBin)
	if err != nil {
		return err
	}
	_, err = r.applier.Apply(ctx, b)
	return err
}

// restoreSnapshot re-applies the pre-attempt revision. Best effort: a
// failure here is logged and swallowed.
func (r *RollbackController) restoreSnapshot(ctx context.Context, logger zerolog.Logger, snapSHA, snapVersion string) {
	if err := r.applyRevision(ctx, snapSHA, snapVersion); err != nil {
		logger.Error().Err(err).Msg("rollback re-apply failed; previous revision's files remain in place")
		return
	}
	logger.Info().Msg("rolled back to snapshot revision")
}
