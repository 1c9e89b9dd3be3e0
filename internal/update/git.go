package update

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/system"
)

// WorkingCopy is the durable local checkout of the release history used by
// the pull path.
type WorkingCopy interface {
	// Fetch updates remote-tracking refs.
	Fetch(ctx context.Context) error
	// Head returns the full revision hash of the current checkout.
	Head(ctx context.Context) (string, error)
	// RemoteHead returns the full revision hash of the tracked remote branch.
	RemoteHead(ctx context.Context) (string, error)
	// ResetHard discards local modifications and checks out the given
	// revision. The working copy is not meant to be hand-edited, so
	// discarding is intentional.
	ResetHard(ctx context.Context, sha string) error
	// VersionAt returns the human version string recorded at a revision.
	VersionAt(ctx context.Context, sha string) (string, error)
	// Dir returns the checkout's root path.
	Dir() string
}

// GitWorkingCopy implements WorkingCopy with the git CLI.
type GitWorkingCopy struct {
	logger zerolog.Logger
	run    system.Runner
	dir    string
	branch string
}

func NewGitWorkingCopy(logger zerolog.Logger, run system.Runner, dir, branch string) *GitWorkingCopy {
	return &GitWorkingCopy{
		logger: logger.With().Str("component", "working-copy").Logger(),
		run:    run,
		dir:    dir,
		branch: branch,
	}
}

func (g *GitWorkingCopy) Dir() string { return g.dir }

func (g *GitWorkingCopy) Fetch(ctx context.Context) error {
	if _, err := g.run.Run(ctx, "git", "-C", g.dir, "fetch", "origin", g.branch); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return nil
}

func (g *GitWorkingCopy) Head(ctx context.Context) (string, error) {
	out, err := g.run.Run(ctx, "git", "-C", g.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitWorkingCopy) RemoteHead(ctx context.Context) (string, error) {
	out, err := g.run.Run(ctx, "git", "-C", g.dir, "rev-parse", "origin/"+g.branch)
	if err != nil {
		return "", fmt.Errorf("resolve origin/%s: %w", g.branch, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitWorkingCopy) ResetHard(ctx context.Context, sha string) error {
	g.logger.Info().Str("sha", ShortSHA(sha)).Msg("resetting working copy")
	if _, err := g.run.Run(ctx, "git", "-C", g.dir, "reset", "--hard", sha); err != nil {
		return fmt.Errorf("reset to %s: %w", ShortSHA(sha), err)
	}
	return nil
}

// VersionAt reads the VERSION file at a revision without checking it out.
func (g *GitWorkingCopy) VersionAt(ctx context.Context, sha string) (string, error) {
	out, err := g.run.Run(ctx, "git", "-C", g.dir, "show", sha+":VERSION")
	if err != nil {
		return "", fmt.Errorf("read VERSION at %s: %w", ShortSHA(sha), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ShortSHA returns the dashboard-facing short form of a revision hash.
func ShortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
