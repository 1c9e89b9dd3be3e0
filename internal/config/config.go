package config

import (
	"os"

	"github.com/joho/godotenv"
)

// EnvFile is the optional environment file sourced before reading config.
// Written by the installer; absent on dev machines.
const EnvFile = "/etc/harbouros/harbouros.env"

type Config struct {
	HTTPListenAddr    string
	MetricsListenAddr string
	LogLevel          string

	// Pull-path update source.
	WorkingCopyDir string
	Branch         string

	// Update state on disk.
	StagingDir string
	LedgerPath string
	MarkerDir  string

	// Live deployment roots.
	InstallDir string
	VenvDir    string

	// Dashboard credential store (opaque to everything but the admin API).
	AdminCredPath string

	// Apply log consumed by the "view update log" operation.
	UpdateLogPath string

	// Media server auto-update log shown on the dashboard.
	MediaUpdateLogPath string

	// Post-restart health probe for the admin service.
	HealthURL string

	// Updater binary invoked by the admin API for privileged update runs.
	UpdaterBin string

	// Installed apply binary staged into assembled bundles.
	ApplyBin string
}

func Load() (*Config, error) {
	// Best effort: the env file only exists on installed appliances.
	_ = godotenv.Load(EnvFile)

	cfg := &Config{
		HTTPListenAddr:     getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsListenAddr:  getEnv("METRICS_LISTEN_ADDR", ":9091"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		WorkingCopyDir:     getEnv("WORKING_COPY_DIR", "/opt/harbouros/src"),
		Branch:             getEnv("UPDATE_BRANCH", "main"),
		StagingDir:         getEnv("STAGING_DIR", "/var/lib/harbouros/staging"),
		LedgerPath:         getEnv("LEDGER_PATH", "/etc/harbouros/version.json"),
		MarkerDir:          getEnv("MARKER_DIR", "/var/lib/harbouros/migrations"),
		InstallDir:         getEnv("INSTALL_DIR", "/opt/harbouros"),
		VenvDir:            getEnv("VENV_DIR", "/opt/harbouros/venv"),
		AdminCredPath:      getEnv("ADMIN_CRED_PATH", "/etc/harbouros/admin.json"),
		UpdateLogPath:      getEnv("UPDATE_LOG_PATH", "/var/log/harbouros-update.log"),
		MediaUpdateLogPath: getEnv("MEDIA_UPDATE_LOG_PATH", "/var/log/harbouros-plex-update.log"),
		HealthURL:          getEnv("HEALTH_URL", "http://127.0.0.1:8080/healthz"),
		UpdaterBin:         getEnv("UPDATER_BIN", "/opt/harbouros/bin/updater"),
		ApplyBin:           getEnv("APPLY_BIN", "/opt/harbouros/bin/apply"),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
