package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"

	"github.com/coder/websocket"
	"github.com/creack/pty"
)

func (s *Server) handleUpdateStatus(w http.ResponseWriter, _ *http.Request) {
	rec, err := s.deps.Ledger.Read()
	if err != nil {
		s.logger.Error().Err(err).Msg("ledger read failed")
		writeError(w, http.StatusInternalServerError, "version ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  s.deps.Checker.State(),
		"ledger": rec,
	})
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Checker.Check(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("update check failed")
		writeError(w, http.StatusBadGateway, "update check failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// execEvent is a single NDJSON event streamed during an install.
type execEvent struct {
	Type     string `json:"type"`                // "output", "done", "error"
	Data     string `json:"data,omitempty"`      // line text or error message
	ExitCode *int   `json:"exit_code,omitempty"` // only for "done"
}

// handleUpdateInstall runs the privileged updater and streams its output as
// NDJSON. It uses a PTY so the child's output arrives line by line instead
// of in 4k block-buffered bursts.
func (s *Server) handleUpdateInstall(w http.ResponseWriter, r *http.Request) {
	if !s.installMu.TryLock() {
		writeError(w, http.StatusConflict, "an update is already running")
		return
	}
	defer s.installMu.Unlock()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	// An apply attempt, once started, runs to completion or failure; a
	// browser disconnect must not kill it mid-flight. Output writes after a
	// disconnect fail harmlessly while the child is drained to its exit.
	cmd := exec.CommandContext(context.WithoutCancel(r.Context()), s.deps.UpdaterBin, "apply")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		writeEvent(w, flusher, execEvent{Type: "error", Data: "start updater: " + err.Error()})
		return
	}
	defer ptmx.Close()

	scanner := bufio.NewScanner(ptmx)
	for scanner.Scan() {
		writeEvent(w, flusher, execEvent{Type: "output", Data: scanner.Text()})
	}
	// A read error here is normal: the PTY returns EIO when the child exits.
	if err := scanner.Err(); err != nil && err != io.EOF {
		s.logger.Debug().Err(err).Msg("pty read ended")
	}

	err = cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			writeEvent(w, flusher, execEvent{Type: "error", Data: err.Error()})
			return
		}
	}

	s.logger.Info().Int("exit_code", exitCode).Msg("dashboard-triggered update finished")
	writeEvent(w, flusher, execEvent{Type: "done", ExitCode: &exitCode})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event execEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	w.Write(data)
	w.Write([]byte("\n"))
	flusher.Flush()
}

func (s *Server) handleUpdateLog(w http.ResponseWriter, r *http.Request) {
	lines, err := s.deps.UpdateLog.ReadLast(queryInt(r, "lines", 200))
	if err != nil {
		s.logger.Error().Err(err).Msg("update log read failed")
		writeError(w, http.StatusInternalServerError, "update log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

// handleUpdateLogStream upgrades to WebSocket and pushes appended update
// log lines as they are written.
func (s *Server) handleUpdateLogStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host behind the appliance's reverse proxy.
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	lines, err := s.deps.UpdateLog.Follow(ctx)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "log stream failed")
		return
	}

	for line := range lines {
		if err := ws.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			return
		}
	}
	ws.Close(websocket.StatusNormalClosure, "")
}
