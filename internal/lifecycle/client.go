// Package lifecycle manages a remote appliance over SSH: deploying staged
// bundles, running lifecycle scripts, and reading update state. It backs
// the harbourctl CLI.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/system"
	"github.com/harbouros/appliance/internal/version"
)

const (
	remoteStagingDir = "/var/lib/harbouros/staging"
	remoteLedgerPath = "/etc/harbouros/version.json"
	remoteScriptDir  = "/opt/harbouros/scripts"
)

// sshKeyPath returns the path to the SSH private key.
// Uses SSH_KEY_PATH env var or defaults to ~/.ssh/id_rsa.
func sshKeyPath() string {
	if p := os.Getenv("SSH_KEY_PATH"); p != "" {
		return p
	}
	return os.ExpandEnv("${HOME}/.ssh/id_rsa")
}

// Client runs commands on one appliance over SSH.
type Client struct {
	logger  zerolog.Logger
	target  string // user@host
	keyPath string
	timeout time.Duration
	run     system.Runner
}

func NewClient(logger zerolog.Logger, host string) *Client {
	target := host
	if !strings.Contains(target, "@") {
		target = "root@" + target
	}
	return &Client{
		logger:  logger.With().Str("component", "lifecycle").Str("target", target).Logger(),
		target:  target,
		keyPath: sshKeyPath(),
		timeout: 60 * time.Second,
		run:     system.ExecRunner{},
	}
}

func (c *Client) sshArgs() []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		"-i", c.keyPath,
	}
}

// Exec runs one command on the appliance and returns its output.
func (c *Client) Exec(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(c.sshArgs(), c.target, cmd)
	out, err := c.run.Run(ctx, "ssh", args...)
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("ssh %s: timed out after %s running %q", c.target, c.timeout, cmd)
	}
	if err != nil {
		return "", fmt.Errorf("ssh %s %q: %w", c.target, cmd, err)
	}
	return string(out), nil
}

// Copy transfers a local file or directory to the appliance via scp.
func (c *Client) Copy(ctx context.Context, localPath, remotePath string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	args := append(c.sshArgs(), "-r", localPath, c.target+":"+remotePath)
	if _, err := c.run.Run(ctx, "scp", args...); err != nil {
		return fmt.Errorf("scp to %s:%s: %w", c.target, remotePath, err)
	}
	return nil
}

// Status reads the appliance's version ledger.
func (c *Client) Status(ctx context.Context) (*version.Record, error) {
	out, err := c.Exec(ctx, "cat "+remoteLedgerPath)
	if err != nil {
		return nil, err
	}

	var rec version.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		return nil, fmt.Errorf("parse remote ledger: %w", err)
	}
	return &rec, nil
}

// Install runs the appliance install script. The script is idempotent on
// the remote side.
func (c *Client) Install(ctx context.Context) error {
	c.logger.Info().Msg("running remote install")
	if _, err := c.Exec(ctx, remoteScriptDir+"/install.sh"); err != nil {
		return err
	}
	return nil
}

// Uninstall stops the appliance services and removes the installation.
func (c *Client) Uninstall(ctx context.Context) error {
	c.logger.Info().Msg("running remote uninstall")
	if _, err := c.Exec(ctx, remoteScriptDir+"/uninstall.sh"); err != nil {
		return err
	}
	return nil
}
