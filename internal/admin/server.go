package admin

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/logstream"
	"github.com/harbouros/appliance/internal/mediaserver"
	"github.com/harbouros/appliance/internal/system"
	"github.com/harbouros/appliance/internal/update"
	"github.com/harbouros/appliance/internal/version"
)

// Units surfaced on the dashboard's service health panel.
var monitoredServices = []string{
	mediaserver.ServiceUnit,
	update.AdminServiceUnit,
	"nftables",
	"avahi-daemon",
	"sshd",
}

// UpdateChecker is the check-only view of the pull path used by the
// dashboard.
type UpdateChecker interface {
	Check(ctx context.Context) (*update.CheckResult, error)
	State() update.State
}

// Deps are the collaborators the API serves. All of them are interfaces or
// small managers so handler tests can swap them out.
type Deps struct {
	Auth           *Auth
	Media          *mediaserver.Manager
	Services       system.ServiceManager
	Runner         system.Runner
	Ledger         *version.Ledger
	Checker        UpdateChecker
	UpdateLog      *logstream.Tailer
	MediaUpdateLog *logstream.Tailer

	// Privileged updater binary run for dashboard-triggered installs.
	UpdaterBin string
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps

	// Serializes dashboard-triggered applies. The scheduled updater runs in
	// its own process; concurrent applies are last-writer-wins on staging.
	installMu sync.Mutex
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Post("/api/auth/login", s.handleLogin)
	s.router.Get("/api/auth/status", s.handleAuthStatus)

	s.router.Group(func(r chi.Router) {
		r.Use(requireAuth(s.deps.Auth))

		r.Post("/api/auth/logout", s.handleLogout)

		// System
		r.Get("/api/system/services", s.handleServiceStatuses)
		r.Post("/api/system/power", s.handlePower)
		r.Get("/api/system/logs", s.handleSystemLogs)
		r.Post("/api/system/password", s.handleChangePassword)

		// Self-update
		r.Get("/api/update/status", s.handleUpdateStatus)
		r.Post("/api/update/check", s.handleUpdateCheck)
		r.Post("/api/update/install", s.handleUpdateInstall)
		r.Get("/api/update/log", s.handleUpdateLog)
		r.Get("/api/update/log/stream", s.handleUpdateLogStream)

		// Media server
		r.Get("/api/media/status", s.handleMediaStatus)
		r.Post("/api/media/action", s.handleMediaAction)
		r.Post("/api/media/check-update", s.handleMediaCheckUpdate)
		r.Get("/api/media/logs", s.handleMediaLogs)
		r.Get("/api/media/update-log", s.handleMediaUpdateLog)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
