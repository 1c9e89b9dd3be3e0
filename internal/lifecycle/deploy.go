package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/creack/pty"

	"github.com/harbouros/appliance/internal/staging"
)

// Deploy assembles a bundle from a local source tree, pushes it to the
// appliance's staging path, and runs the remote apply binary. Remote output
// is streamed line by line through onLine (typically an os.Stdout printer).
// applyBin must be an apply build for the appliance's platform, since the
// appliance executes it from the staged bundle.
//
// This is the push path: a failed apply leaves the new revision live for
// the operator to inspect.
func (c *Client) Deploy(ctx context.Context, sourceTree, ver, sha, applyBin string, onLine func(string)) error {
	tmp, err := os.MkdirTemp("", "harbouros-deploy-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	bundleDir := filepath.Join(tmp, "staging")
	bundle, err := staging.Assemble(sourceTree, bundleDir, ver, sha, applyBin)
	if err != nil {
		return fmt.Errorf("assemble bundle: %w", err)
	}

	c.logger.Info().Str("version", ver).Msg("pushing bundle")

	// Replace any half-staged leftovers, then push the fresh bundle.
	if _, err := c.Exec(ctx, "rm -rf "+remoteStagingDir); err != nil {
		return err
	}
	if err := c.Copy(ctx, bundle.Dir, remoteStagingDir); err != nil {
		return err
	}

	return c.streamApply(ctx, onLine)
}

// streamApply runs the staged apply binary over ssh -t under a local PTY so
// remote output arrives unbuffered and colored.
func (c *Client) streamApply(ctx context.Context, onLine func(string)) error {
	args := append(c.sshArgs(), "-t", c.target, remoteStagingDir+"/bin/apply")
	cmd := exec.CommandContext(ctx, "ssh", args...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start remote apply: %w", err)
	}
	defer ptmx.Close()

	scanner := bufio.NewScanner(ptmx)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// The PTY returns EIO when the remote command exits; not an error.
	if err := scanner.Err(); err != nil && err != io.EOF {
		c.logger.Debug().Err(err).Msg("pty read ended")
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("remote apply failed: %w", err)
	}
	return nil
}
