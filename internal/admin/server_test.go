package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbouros/appliance/internal/logstream"
	"github.com/harbouros/appliance/internal/mediaserver"
	"github.com/harbouros/appliance/internal/update"
	"github.com/harbouros/appliance/internal/version"
)

type stubRunner struct {
	out  map[string]string
	errs map[string]error
	runs []string
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.runs = append(s.runs, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	return []byte(s.out[name]), nil
}

type stubServices struct {
	activeUnits map[string]bool
	actions     []string
}

func (s *stubServices) DaemonReload(context.Context) error { return nil }
func (s *stubServices) Start(_ context.Context, unit string) error {
	s.actions = append(s.actions, "start "+unit)
	return nil
}
func (s *stubServices) Stop(_ context.Context, unit string) error {
	s.actions = append(s.actions, "stop "+unit)
	return nil
}
func (s *stubServices) Restart(_ context.Context, unit string) error {
	s.actions = append(s.actions, "restart "+unit)
	return nil
}
func (s *stubServices) IsActive(_ context.Context, unit string) (bool, error) {
	return s.activeUnits[unit], nil
}

type stubChecker struct {
	res   *update.CheckResult
	err   error
	state update.State
}

func (s *stubChecker) Check(context.Context) (*update.CheckResult, error) { return s.res, s.err }
func (s *stubChecker) State() update.State                                { return s.state }

type fixture struct {
	server  *Server
	ts      *httptest.Server
	token   string
	runner  *stubRunner
	svc     *stubServices
	checker *stubChecker
	ledger  *version.Ledger

	updateLogPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	auth := NewAuth(zerolog.Nop(), filepath.Join(dir, "admin.json"))
	token, err := auth.Login("127.0.0.1", defaultPassword)
	require.NoError(t, err)

	runner := &stubRunner{out: map[string]string{}, errs: map[string]error{}}
	svc := &stubServices{activeUnits: map[string]bool{}}
	checker := &stubChecker{state: update.StateIdle}

	ledger := version.NewLedger(filepath.Join(dir, "version.json"))
	require.NoError(t, ledger.SetUpToDate("1.0.4", "aaaa1111"))

	updateLogPath := filepath.Join(dir, "update.log")

	srv := NewServer(zerolog.Nop(), Deps{
		Auth:           auth,
		Media:          mediaserver.NewManager(zerolog.Nop(), runner, svc),
		Services:       svc,
		Runner:         runner,
		Ledger:         ledger,
		Checker:        checker,
		UpdateLog:      logstream.NewTailer(zerolog.Nop(), updateLogPath),
		MediaUpdateLog: logstream.NewTailer(zerolog.Nop(), filepath.Join(dir, "plex-update.log")),
		UpdaterBin:     filepath.Join(dir, "updater"),
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &fixture{
		server: srv, ts: ts, token: token,
		runner: runner, svc: svc, checker: checker, ledger: ledger,
		updateLogPath: updateLogPath,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/system/services")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginAndStatus(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"password":"harbouros"}`))
	require.NoError(t, err)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/auth/status", nil)
	req.Header.Set("Authorization", "Bearer "+body["token"])
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var status map[string]bool
	decodeBody(t, resp2, &status)
	assert.True(t, status["authenticated"])
	assert.False(t, status["password_changed"])
}

func TestLoginBadPassword(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{"password":"wrong"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/auth/login", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceStatuses(t *testing.T) {
	f := newFixture(t)
	f.svc.activeUnits["plexmediaserver"] = true
	f.svc.activeUnits["sshd"] = true

	resp := f.do(t, http.MethodGet, "/api/system/services", "")
	var body struct {
		Services []serviceStatus `json:"services"`
	}
	decodeBody(t, resp, &body)

	require.Len(t, body.Services, len(monitoredServices))
	byName := map[string]bool{}
	for _, s := range body.Services {
		byName[s.Name] = s.Active
	}
	assert.True(t, byName["plexmediaserver"])
	assert.True(t, byName["sshd"])
	assert.False(t, byName["nftables"])
}

func TestPowerAction(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/system/power", `{"action":"reboot"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, f.runner.runs, "systemctl reboot")
}

func TestPowerActionRejectsUnknown(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/system/power", `{"action":"halt"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.runner.runs)
}

func TestSystemLogsFilter(t *testing.T) {
	f := newFixture(t)
	f.runner.out["journalctl"] = "line1\nline2\n"

	resp := f.do(t, http.MethodGet, "/api/system/logs?service=sshd&lines=20", "")
	var body struct {
		Logs []string `json:"logs"`
	}
	decodeBody(t, resp, &body)

	assert.Equal(t, []string{"line1", "line2"}, body.Logs)
	assert.Contains(t, f.runner.runs, "journalctl -n 20 --no-pager -o short-iso -u sshd")
}

func TestChangePasswordMinLength(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/system/password",
		`{"current":"harbouros","new":"short"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateStatusReturnsLedger(t *testing.T) {
	f := newFixture(t)
	f.checker.state = update.StateUpToDate

	resp := f.do(t, http.MethodGet, "/api/update/status", "")
	var body struct {
		State  string         `json:"state"`
		Ledger version.Record `json:"ledger"`
	}
	decodeBody(t, resp, &body)

	assert.Equal(t, string(update.StateUpToDate), body.State)
	assert.Equal(t, "1.0.4", body.Ledger.CurrentVersion)
	assert.Equal(t, "aaaa1111", body.Ledger.CurrentSHA)
}

func TestUpdateCheck(t *testing.T) {
	f := newFixture(t)
	f.checker.res = &update.CheckResult{
		UpdateAvailable: true,
		CurrentVersion:  "1.0.4",
		TargetVersion:   "1.0.5",
	}

	resp := f.do(t, http.MethodPost, "/api/update/check", "")
	var res update.CheckResult
	decodeBody(t, resp, &res)

	assert.True(t, res.UpdateAvailable)
	assert.Equal(t, "1.0.5", res.TargetVersion)
}

func TestUpdateInstallStreamsNDJSON(t *testing.T) {
	f := newFixture(t)
	script := "#!/bin/sh\necho staging bundle\necho applying\nexit 0\n"
	require.NoError(t, os.WriteFile(f.server.deps.UpdaterBin, []byte(script), 0o755))

	resp := f.do(t, http.MethodPost, "/api/update/install", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []execEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev execEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Type)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)

	var outputs []string
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, "output", ev.Type)
		outputs = append(outputs, ev.Data)
	}
	assert.Contains(t, outputs, "staging bundle")
	assert.Contains(t, outputs, "applying")
}

func TestUpdateInstallReportsFailureExitCode(t *testing.T) {
	f := newFixture(t)
	script := "#!/bin/sh\necho health check failed\nexit 1\n"
	require.NoError(t, os.WriteFile(f.server.deps.UpdaterBin, []byte(script), 0o755))

	resp := f.do(t, http.MethodPost, "/api/update/install", "")
	defer resp.Body.Close()

	var events []execEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev execEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Type)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 1, *last.ExitCode)
}

func TestUpdateInstallSurvivesClientDisconnect(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "finished")
	script := "#!/bin/sh\necho starting\nsleep 1\ntouch " + marker + "\n"
	require.NoError(t, os.WriteFile(f.server.deps.UpdaterBin, []byte(script), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.ts.URL+"/api/update/install", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	// Read the first event, then drop the connection mid-install.
	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	cancel()
	resp.Body.Close()

	// The apply keeps running to completion despite the disconnect.
	assert.Eventually(t, func() bool {
		_, serr := os.Stat(marker)
		return serr == nil
	}, 5*time.Second, 50*time.Millisecond, "apply was killed by the client disconnect")
}

func TestUpdateLogTail(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.updateLogPath, []byte("a\nb\nc\n"), 0o644))

	resp := f.do(t, http.MethodGet, "/api/update/log?lines=2", "")
	var body struct {
		Logs []string `json:"logs"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, []string{"b", "c"}, body.Logs)
}

func TestUpdateLogStreamWebsocket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.updateLogPath, []byte(""), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/update/log/stream?token=" + f.token
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	fh, err := os.OpenFile(f.updateLogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString("applying 1.0.5\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "applying 1.0.5", string(data))
}

func TestMediaStatusAndAction(t *testing.T) {
	f := newFixture(t)
	f.svc.activeUnits["plexmediaserver"] = true
	f.runner.out["dpkg-query"] = "1.41.3.9314\n"
	f.runner.out["systemctl"] = "ActiveEnterTimestamp=Thu 2025-01-01 00:00:00 UTC\n"

	resp := f.do(t, http.MethodGet, "/api/media/status", "")
	var st mediaserver.Status
	decodeBody(t, resp, &st)
	assert.True(t, st.Running)
	assert.Equal(t, "1.41.3.9314", st.Version)

	resp2 := f.do(t, http.MethodPost, "/api/media/action", `{"action":"restart"}`)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Contains(t, f.svc.actions, "restart plexmediaserver")
}

func TestMediaCheckUpdate(t *testing.T) {
	f := newFixture(t)
	f.runner.out[mediaserver.UpdateScript] = "Plex Media Server is up to date\n"

	resp := f.do(t, http.MethodPost, "/api/media/check-update", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeBody(t, resp, &body)
	assert.True(t, body.Success)
	assert.Contains(t, body.Message, "up to date")
	assert.Contains(t, f.runner.runs, mediaserver.UpdateScript)
}

func TestMediaActionValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/media/action", `{"action":"explode"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.svc.actions)
}
