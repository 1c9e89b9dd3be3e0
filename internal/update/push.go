package update

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/staging"
	"github.com/harbouros/appliance/internal/version"
)

// Push applies a bundle an operator has already transferred to the staging
// location. No version comparison is made: the operator has decided to
// update. Errors surface to the caller and the new code stays live; the
// operator is present to intervene, so there is no automatic revert.
func Push(ctx context.Context, logger zerolog.Logger, stagingDir string, applier Applier) (*Result, error) {
	b, err := staging.Load(stagingDir)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("version", b.Manifest.Version).
		Str("sha", ShortSHA(b.Manifest.SHA)).
		Msg("applying operator-staged bundle")

	return applier.Apply(ctx, b)
}

// RecordPush reconciles durable state after a successful push apply. The
// working copy is moved to the pushed revision so the ledger and the
// checkout agree on what is installed; the ledger then records the new
// version. A pushed revision absent from the checkout's history (an
// operator build that was never committed) leaves the checkout at its prior
// revision, which the next pull check will report as an available update
// and converge.
func RecordPush(ctx context.Context, logger zerolog.Logger, wc WorkingCopy, ledger *version.Ledger, res *Result) error {
	if err := wc.ResetHard(ctx, res.SHA); err != nil {
		logger.Warn().Err(err).
			Str("sha", ShortSHA(res.SHA)).
			Msg("pushed revision not in working copy history; checkout left unchanged")
	}

	prev, err := ledger.Read()
	if err != nil {
		return err
	}
	return ledger.SetApplied(res.Version, ShortSHA(res.SHA), prev.CurrentVersion)
}
