package mediaserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/system"
)

// ServiceUnit is the systemd unit of the native media server.
const ServiceUnit = "plexmediaserver"

// DefaultLogDir is where the media server writes its own logs. The path
// contains spaces; it is passed as a single argv element, never through a
// shell.
const DefaultLogDir = "/var/lib/plexmediaserver/Library/Application Support/Plex Media Server/Logs"

// UpdateScript checks for and installs a newer media server package. Its
// output lands in the media update log the dashboard tails.
const UpdateScript = "/usr/local/bin/harbouros-plex-update.sh"

// Status is the dashboard-facing state of the media server.
type Status struct {
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// Manager wraps service control and introspection of the media server.
type Manager struct {
	logger zerolog.Logger
	run    system.Runner
	svc    system.ServiceManager
	logDir string
}

func NewManager(logger zerolog.Logger, run system.Runner, svc system.ServiceManager) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "mediaserver").Logger(),
		run:    run,
		svc:    svc,
		logDir: DefaultLogDir,
	}
}

// Status reports whether the unit is active, the installed package version,
// and the active-since timestamp. Version and uptime are best effort: a
// missing package or stopped unit leaves them empty rather than failing the
// whole status call.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	running, err := m.svc.IsActive(ctx, ServiceUnit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ServiceUnit, err)
	}

	st := &Status{Running: running}

	if out, err := m.run.Run(ctx, "dpkg-query", "-W", "-f=${Version}", ServiceUnit); err == nil {
		st.Version = strings.TrimSpace(string(out))
	}

	if running {
		out, err := m.run.Run(ctx, "systemctl", "show", ServiceUnit, "--property=ActiveEnterTimestamp")
		if err == nil {
			st.Uptime = strings.TrimPrefix(strings.TrimSpace(string(out)), "ActiveEnterTimestamp=")
		}
	}

	return st, nil
}

// Action performs a named lifecycle action. Unknown names are rejected
// before anything touches systemd.
func (m *Manager) Action(ctx context.Context, name string) error {
	var err error
	switch name {
	case "start":
		err = m.svc.Start(ctx, ServiceUnit)
	case "stop":
		err = m.svc.Stop(ctx, ServiceUnit)
	case "restart":
		err = m.svc.Restart(ctx, ServiceUnit)
	default:
		return fmt.Errorf("unknown action %q", name)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, ServiceUnit, err)
	}
	m.logger.Info().Str("action", name).Msg("media server action completed")
	return nil
}

// CheckUpdate runs the media server update script, which upgrades the
// package in place when the vendor has published a newer release. Returns
// the script's output for the dashboard.
func (m *Manager) CheckUpdate(ctx context.Context) (string, error) {
	out, err := m.run.Run(ctx, UpdateScript)
	if err != nil {
		return "", fmt.Errorf("media server update check: %w", err)
	}
	m.logger.Info().Msg("media server update check completed")
	return strings.TrimSpace(string(out)), nil
}

// Logs returns up to n recent lines from the media server's main log.
// A missing log file yields an empty slice: the dashboard renders that as
// "no logs yet" rather than an error.
func (m *Manager) Logs(n int) ([]string, error) {
	path := filepath.Join(m.logDir, "Plex Media Server.log")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read media server log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
