package admin

import (
	"errors"
	"net"
	"net/http"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.deps.Auth.Login(clientIP(r), req.Password)
	switch {
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, "invalid password")
	case err != nil:
		s.logger.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "login failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		s.deps.Auth.Logout(token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	changed, err := s.deps.Auth.PasswordChanged()
	if err != nil {
		s.logger.Error().Err(err).Msg("credential store read failed")
		writeError(w, http.StatusInternalServerError, "credential store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated":    s.deps.Auth.ValidateToken(bearerToken(r)),
		"password_changed": changed,
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Auth.ChangePassword(req.Current, req.New); err != nil {
		if errors.Is(err, ErrBadCredentials) {
			writeError(w, http.StatusBadRequest, "current password is incorrect")
			return
		}
		s.logger.Error().Err(err).Msg("password change failed")
		writeError(w, http.StatusInternalServerError, "password change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
