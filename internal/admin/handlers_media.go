package admin

import (
	"net/http"
)

func (s *Server) handleMediaStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Media.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("media server status failed")
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMediaAction(w http.ResponseWriter, r *http.Request) {
	var req mediaActionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Media.Action(r.Context(), req.Action); err != nil {
		s.logger.Error().Err(err).Str("action", req.Action).Msg("media server action failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMediaCheckUpdate(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Media.CheckUpdate(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("media server update check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": out})
}

func (s *Server) handleMediaLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := s.deps.Media.Logs(queryInt(r, "lines", 50))
	if err != nil {
		s.logger.Error().Err(err).Msg("media server log read failed")
		writeError(w, http.StatusInternalServerError, "logs unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

func (s *Server) handleMediaUpdateLog(w http.ResponseWriter, r *http.Request) {
	lines, err := s.deps.MediaUpdateLog.ReadLast(queryInt(r, "lines", 200))
	if err != nil {
		s.logger.Error().Err(err).Msg("media update log read failed")
		writeError(w, http.StatusInternalServerError, "update log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}
