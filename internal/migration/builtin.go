package migration

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/harbouros/appliance/internal/system"
)

// Builtin returns the appliance's migration history. Order in this slice is
// not significant; the runner orders by version.
func Builtin(run system.Runner) []Migration {
	return []Migration{
		{
			ID:      "m-102-nftables",
			Version: "1.0.2",
			Run: func(ctx context.Context) error {
				return installPackageIfAbsent(ctx, run, "nftables")
			},
		},
		{
			ID:      "m-103-service-account",
			Version: "1.0.3",
			Run: func(ctx context.Context) error {
				return createAccountIfAbsent(ctx, run, "harbouros")
			},
		},
		{
			ID:      "m-104-gunicorn-workers",
			Version: "1.0.4",
			Run: func(ctx context.Context) error {
				return setDirectiveIfUnset("/etc/harbouros/gunicorn.conf", "workers", "2")
			},
		},
		{
			ID:      "m-105-fail2ban",
			Version: "1.0.5",
			Run: func(ctx context.Context) error {
				return installPackageIfAbsent(ctx, run, "fail2ban")
			},
		},
	}
}

// installPackageIfAbsent installs a Debian package unless dpkg already knows
// it. Safe to re-run.
func installPackageIfAbsent(ctx context.Context, run system.Runner, pkg string) error {
	if _, err := run.Run(ctx, "dpkg", "-s", pkg); err == nil {
		return nil
	}
	if _, err := run.Run(ctx, "apt-get", "install", "-y", pkg); err != nil {
		return fmt.Errorf("install %s: %w", pkg, err)
	}
	return nil
}

// createAccountIfAbsent creates a system account unless it already exists.
func createAccountIfAbsent(ctx context.Context, run system.Runner, name string) error {
	if _, err := run.Run(ctx, "id", name); err == nil {
		return nil
	}
	if _, err := run.Run(ctx, "useradd", "--system", "--no-create-home", "--shell", "/usr/sbin/nologin", name); err != nil {
		return fmt.Errorf("create account %s: %w", name, err)
	}
	return nil
}

// setDirectiveIfUnset rewrites one "key = value" directive in a config file,
// leaving the file untouched when the directive already carries the value.
// A missing file is created with just the directive.
func setDirectiveIfUnset(path, key, value string) error {
	want := key + " = " + value

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(want+"\n"), 0o644)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, key+" ") || strings.HasPrefix(trimmed, key+"=") {
			if trimmed == want {
				return nil
			}
			lines[i] = want
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, want)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
