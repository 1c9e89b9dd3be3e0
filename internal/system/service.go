package system

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// ServiceManager abstracts system service management so that the update
// engine and the admin API work identically regardless of the underlying
// init system.
//
// Installed appliances use SystemdManager. Docker development containers
// use DirectManager.
type ServiceManager interface {
	// DaemonReload tells the init system to re-scan service definitions.
	DaemonReload(ctx context.Context) error

	// Start enables and starts a service.
	Start(ctx context.Context, unit string) error

	// Stop disables and stops a service.
	Stop(ctx context.Context, unit string) error

	// Restart fully stops and starts a service.
	Restart(ctx context.Context, unit string) error

	// IsActive reports whether a unit is currently running.
	IsActive(ctx context.Context, unit string) (bool, error)
}

// ---------------------------------------------------------------------------
// SystemdManager — installed appliances
// ---------------------------------------------------------------------------

// SystemdManager implements ServiceManager using systemctl.
type SystemdManager struct {
	logger zerolog.Logger
	run    Runner
}

// NewSystemdManager creates a ServiceManager backed by systemd.
func NewSystemdManager(logger zerolog.Logger, run Runner) *SystemdManager {
	return &SystemdManager{
		logger: logger.With().Str("svc_mgr", "systemd").Logger(),
		run:    run,
	}
}

func (s *SystemdManager) DaemonReload(ctx context.Context) error {
	_, err := s.run.Run(ctx, "systemctl", "daemon-reload")
	return err
}

func (s *SystemdManager) Start(ctx context.Context, unit string) error {
	_, err := s.run.Run(ctx, "systemctl", "enable", "--now", unit)
	return err
}

func (s *SystemdManager) Stop(ctx context.Context, unit string) error {
	_, err := s.run.Run(ctx, "systemctl", "disable", "--now", unit)
	return err
}

func (s *SystemdManager) Restart(ctx context.Context, unit string) error {
	_, err := s.run.Run(ctx, "systemctl", "restart", unit)
	return err
}

func (s *SystemdManager) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := s.run.Run(ctx, "systemctl", "is-active", unit)
	// systemctl is-active exits 3 for inactive units; the output still tells
	// us what we need.
	state := strings.TrimSpace(string(out))
	if state == "active" {
		return true, nil
	}
	if state != "" {
		return false, nil
	}
	return false, err
}

// ---------------------------------------------------------------------------
// DirectManager — development containers without systemd
// ---------------------------------------------------------------------------

// DirectManager implements ServiceManager for environments without systemd.
// All operations are logged no-ops; the dev entrypoint owns process lifecycle.
type DirectManager struct {
	logger zerolog.Logger
}

// NewDirectManager creates a ServiceManager for environments without systemd.
func NewDirectManager(logger zerolog.Logger) *DirectManager {
	return &DirectManager{logger: logger.With().Str("svc_mgr", "direct").Logger()}
}

func (d *DirectManager) DaemonReload(_ context.Context) error {
	d.logger.Debug().Msg("daemon-reload: no-op (no systemd)")
	return nil
}

func (d *DirectManager) Start(_ context.Context, unit string) error {
	d.logger.Warn().Str("unit", unit).Msg("start: no-op without systemd")
	return nil
}

func (d *DirectManager) Stop(_ context.Context, unit string) error {
	d.logger.Warn().Str("unit", unit).Msg("stop: no-op without systemd")
	return nil
}

func (d *DirectManager) Restart(_ context.Context, unit string) error {
	d.logger.Warn().Str("unit", unit).Msg("restart: no-op without systemd")
	return nil
}

func (d *DirectManager) IsActive(_ context.Context, unit string) (bool, error) {
	return true, nil
}
