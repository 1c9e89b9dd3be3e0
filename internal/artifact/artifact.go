// Package artifact defines the set of files and trees whose live deployed
// content is controlled by the update process, and detects whether a staged
// release changes them.
package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Effect tells the apply engine which reload category a changed artifact
// requires. Effects accumulate across artifacts and are applied once, in a
// fixed dependency order.
type Effect int

const (
	EffectNone Effect = iota
	EffectReinstallDeps
	EffectDaemonReload
	EffectRestartFirewall
	EffectApplySysctl
	EffectRestartService
)

func (e Effect) String() string {
	switch e {
	case EffectReinstallDeps:
		return "reinstall-deps"
	case EffectDaemonReload:
		return "daemon-reload"
	case EffectRestartFirewall:
		return "restart-firewall"
	case EffectApplySysctl:
		return "apply-sysctl"
	case EffectRestartService:
		return "restart-service"
	default:
		return "none"
	}
}

// Action is the result of diffing one artifact's staged content against its
// live content.
type Action int

const (
	ActionNoop Action = iota
	ActionInstall
)

// Artifact is one managed file (or tree) with its canonical live path and
// the reload effect its change implies.
type Artifact struct {
	Name       string
	StagedPath string // relative to the bundle root
	LivePath   string
	Effect     Effect
	Tree       bool        // compare and install as a directory tree
	Mode       os.FileMode // file artifacts only
}

// LiveRoots parameterizes the live-path side of the artifact table so tests
// (and dev containers) can point everything into a scratch prefix.
type LiveRoots struct {
	InstallDir string // e.g. /opt/harbouros
	SystemdDir string // e.g. /etc/systemd/system
	EtcDir     string // e.g. /etc
}

// DefaultRoots are the paths on an installed appliance.
func DefaultRoots() LiveRoots {
	return LiveRoots{
		InstallDir: "/opt/harbouros",
		SystemdDir: "/etc/systemd/system",
		EtcDir:     "/etc",
	}
}

// Table returns the managed artifacts in their fixed apply order.
func Table(roots LiveRoots) []Artifact {
	join := filepath.Join
	return []Artifact{
		{
			Name:       "application code",
			StagedPath: "app",
			LivePath:   join(roots.InstallDir, "app"),
			Effect:     EffectRestartService,
			Tree:       true,
		},
		{
			Name:       "dependency manifest",
			StagedPath: "requirements.txt",
			LivePath:   join(roots.InstallDir, "requirements.txt"),
			Effect:     EffectReinstallDeps,
			Mode:       0o644,
		},
		{
			Name:       "admin service unit",
			StagedPath: "config/harbouros-admin.service",
			LivePath:   join(roots.SystemdDir, "harbouros-admin.service"),
			Effect:     EffectDaemonReload,
			Mode:       0o644,
		},
		{
			Name:       "updater service unit",
			StagedPath: "config/harbouros-updater.service",
			LivePath:   join(roots.SystemdDir, "harbouros-updater.service"),
			Effect:     EffectDaemonReload,
			Mode:       0o644,
		},
		{
			Name:       "updater timer unit",
			StagedPath: "config/harbouros-updater.timer",
			LivePath:   join(roots.SystemdDir, "harbouros-updater.timer"),
			Effect:     EffectDaemonReload,
			Mode:       0o644,
		},
		{
			Name:       "firewall ruleset",
			StagedPath: "config/nftables.conf",
			LivePath:   join(roots.EtcDir, "nftables.conf"),
			Effect:     EffectRestartFirewall,
			Mode:       0o644,
		},
		{
			Name:       "kernel parameters",
			StagedPath: "config/99-harbouros.conf",
			LivePath:   join(roots.EtcDir, "sysctl.d", "99-harbouros.conf"),
			Effect:     EffectApplySysctl,
			Mode:       0o644,
		},
		{
			Name:       "fail2ban jail",
			StagedPath: "config/harbouros-jail.conf",
			LivePath:   join(roots.EtcDir, "fail2ban", "jail.d", "harbouros.conf"),
			Effect:     EffectNone,
			Mode:       0o644,
		},
		{
			Name:       "logrotate rule",
			StagedPath: "config/harbouros-logrotate",
			LivePath:   join(roots.EtcDir, "logrotate.d", "harbouros"),
			Effect:     EffectNone,
			Mode:       0o644,
		},
		{
			Name:       "avahi advertisement",
			StagedPath: "config/harbouros-avahi.service",
			LivePath:   join(roots.EtcDir, "avahi", "services", "harbouros.service"),
			Effect:     EffectNone,
			Mode:       0o644,
		},
		{
			Name:       "sudoers grant",
			StagedPath: "config/harbouros-sudoers",
			LivePath:   join(roots.EtcDir, "sudoers.d", "harbouros"),
			Effect:     EffectNone,
			Mode:       0o440,
		},
	}
}

// walkFiles returns relative path -> content for every regular file under root.
func walkFiles(root string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
