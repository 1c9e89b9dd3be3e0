package admin

import (
	"net/http"
	"strconv"
	"strings"
)

type serviceStatus struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func (s *Server) handleServiceStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := make([]serviceStatus, 0, len(monitoredServices))
	for _, unit := range monitoredServices {
		active, err := s.deps.Services.IsActive(r.Context(), unit)
		if err != nil {
			s.logger.Warn().Err(err).Str("unit", unit).Msg("service status query failed")
			active = false
		}
		statuses = append(statuses, serviceStatus{Name: unit, Active: active})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": statuses})
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cmd string
	switch req.Action {
	case "shutdown":
		cmd = "poweroff"
	case "reboot":
		cmd = "reboot"
	}

	s.logger.Warn().Str("action", req.Action).Msg("power action requested")
	if _, err := s.deps.Runner.Run(r.Context(), "systemctl", cmd); err != nil {
		writeError(w, http.StatusInternalServerError, "power action failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "system " + req.Action + " initiated",
	})
}

func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 100)
	service := r.URL.Query().Get("service")

	args := []string{"-n", strconv.Itoa(lines), "--no-pager", "-o", "short-iso"}
	if service != "" && service != "all" {
		args = append(args, "-u", service)
	}

	out, err := s.deps.Runner.Run(r.Context(), "journalctl", args...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("journalctl failed")
		writeJSON(w, http.StatusOK, map[string]any{"logs": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs": strings.Split(strings.TrimSpace(string(out)), "\n"),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
