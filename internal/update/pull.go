package update

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/version"
)

// State of the pull adapter's update cycle.
type State string

const (
	StateIdle             State = "idle"
	StateChecking         State = "checking"
	StateUpToDate         State = "up-to-date"
	StateUpdateAvailable  State = "update-available"
	StateApplying         State = "applying"
	StateSucceeded        State = "succeeded"
	StateFailedRolledBack State = "failed-rolled-back"
)

// CheckResult is the outcome of one revision comparison.
type CheckResult struct {
	UpdateAvailable bool
	CurrentSHA      string
	CurrentVersion  string
	TargetSHA       string
	TargetVersion   string
}

// PullAdapter is the unattended update path: it polls the source-control
// remote, records what it finds in the version ledger, and (unless in
// check-only mode) hands the target revision to the rollback controller.
type PullAdapter struct {
	logger    zerolog.Logger
	wc        WorkingCopy
	ledger    *version.Ledger
	rollback  *RollbackController
	checkOnly bool

	mu    sync.Mutex
	state State
}

func NewPullAdapter(logger zerolog.Logger, wc WorkingCopy, ledger *version.Ledger, rollback *RollbackController, checkOnly bool) *PullAdapter {
	return &PullAdapter{
		logger:    logger.With().Str("component", "pull-adapter").Logger(),
		wc:        wc,
		ledger:    ledger,
		rollback:  rollback,
		checkOnly: checkOnly,
		state:     StateIdle,
	}
}

// State returns the adapter's current cycle state.
func (p *PullAdapter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PullAdapter) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Check fetches the remote and compares revisions, recording the outcome in
// the ledger. It never mutates the live system, so the dashboard may call it
// freely.
func (p *PullAdapter) Check(ctx context.Context) (*CheckResult, error) {
	p.setState(StateChecking)

	if err := p.wc.Fetch(ctx); err != nil {
		p.setState(StateIdle)
		checkTotal.WithLabelValues("connectivity_error").Inc()
		if lerr := p.ledger.SetCheckError(err.Error()); lerr != nil {
			p.logger.Error().Err(lerr).Msg("failed to record check error")
		}
		return nil, err
	}

	localSHA, err := p.wc.Head(ctx)
	if err != nil {
		p.setState(StateIdle)
		return nil, err
	}
	remoteSHA, err := p.wc.RemoteHead(ctx)
	if err != nil {
		p.setState(StateIdle)
		return nil, err
	}

	localVersion, err := p.wc.VersionAt(ctx, localSHA)
	if err != nil {
		localVersion = version.Unknown
	}

	res := &CheckResult{
		CurrentSHA:     localSHA,
		CurrentVersion: localVersion,
	}

	if localSHA == remoteSHA {
		p.setState(StateUpToDate)
		checkTotal.WithLabelValues("up_to_date").Inc()
		p.logger.Info().Str("sha", ShortSHA(localSHA)).Msg("up to date")
		if err := p.ledger.SetUpToDate(localVersion, ShortSHA(localSHA)); err != nil {
			return nil, err
		}
		return res, nil
	}

	remoteVersion, err := p.wc.VersionAt(ctx, remoteSHA)
	if err != nil {
		remoteVersion = version.Unknown
	}

	res.UpdateAvailable = true
	res.TargetSHA = remoteSHA
	res.TargetVersion = remoteVersion

	p.setState(StateUpdateAvailable)
	checkTotal.WithLabelValues("update_available").Inc()
	p.logger.Info().
		Str("current", ShortSHA(localSHA)).
		Str("target", ShortSHA(remoteSHA)).
		Str("target_version", remoteVersion).
		Msg("update available")

	if err := p.ledger.SetUpdateAvailable(localVersion, ShortSHA(localSHA), remoteVersion, ShortSHA(remoteSHA)); err != nil {
		return nil, err
	}
	return res, nil
}

// Run performs one full update cycle: check, and unless check-only or
// already up to date, apply under the rollback controller. Errors are
// returned for logging but must never crash the periodic scheduler; one
// failed tick must not prevent the next.
func (p *PullAdapter) Run(ctx context.Context) error {
	res, err := p.Check(ctx)
	if err != nil {
		return err
	}
	if !res.UpdateAvailable {
		return nil
	}
	if p.checkOnly {
		// Halt at update-available: dashboard polling must not mutate the
		// live system.
		return nil
	}

	p.setState(StateApplying)
	if err := p.rollback.RunWithRollback(ctx, res.TargetSHA, res.TargetVersion); err != nil {
		p.setState(StateFailedRolledBack)
		return err
	}
	p.setState(StateSucceeded)
	return nil
}

// RunLoop invokes Run on a fixed interval until the context ends. Used when
// the updater runs as a long-lived service instead of under a systemd timer.
func (p *PullAdapter) RunLoop(ctx context.Context, interval time.Duration) {
	p.logger.Info().Dur("interval", interval).Msg("starting update loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("update loop stopped")
			return
		case <-ticker.C:
			if err := p.Run(ctx); err != nil {
				p.logger.Error().Err(err).Msg("scheduled update failed")
			}
		}
	}
}
