package mediaserver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	out  map[string]string
	errs map[string]error
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	return []byte(s.out[name]), nil
}

type stubServices struct {
	active  bool
	actions []string
	fail    error
}

func (s *stubServices) DaemonReload(context.Context) error { return nil }
func (s *stubServices) Start(_ context.Context, unit string) error {
	s.actions = append(s.actions, "start "+unit)
	return s.fail
}
func (s *stubServices) Stop(_ context.Context, unit string) error {
	s.actions = append(s.actions, "stop "+unit)
	return s.fail
}
func (s *stubServices) Restart(_ context.Context, unit string) error {
	s.actions = append(s.actions, "restart "+unit)
	return s.fail
}
func (s *stubServices) IsActive(context.Context, string) (bool, error) { return s.active, nil }

func TestStatusRunning(t *testing.T) {
	run := &stubRunner{out: map[string]string{
		"dpkg-query": "1.41.3.9314-a0bfb8370\n",
		"systemctl":  "ActiveEnterTimestamp=Thu 2025-01-01 00:00:00 UTC\n",
	}}
	m := NewManager(zerolog.Nop(), run, &stubServices{active: true})

	st, err := m.Status(context.Background())
	require.NoError(t, err)

	assert.True(t, st.Running)
	assert.Equal(t, "1.41.3.9314-a0bfb8370", st.Version)
	assert.Equal(t, "Thu 2025-01-01 00:00:00 UTC", st.Uptime)
}

func TestStatusStoppedSkipsUptime(t *testing.T) {
	run := &stubRunner{out: map[string]string{"dpkg-query": "1.41.3\n"}}
	m := NewManager(zerolog.Nop(), run, &stubServices{active: false})

	st, err := m.Status(context.Background())
	require.NoError(t, err)

	assert.False(t, st.Running)
	assert.Equal(t, "1.41.3", st.Version)
	assert.Empty(t, st.Uptime)
}

func TestStatusMissingPackage(t *testing.T) {
	run := &stubRunner{errs: map[string]error{"dpkg-query": errors.New("not installed")}}
	m := NewManager(zerolog.Nop(), run, &stubServices{active: false})

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Version)
}

func TestActionDispatch(t *testing.T) {
	svc := &stubServices{}
	m := NewManager(zerolog.Nop(), &stubRunner{}, svc)

	for _, name := range []string{"start", "stop", "restart"} {
		require.NoError(t, m.Action(context.Background(), name))
	}
	assert.Equal(t, []string{
		"start plexmediaserver",
		"stop plexmediaserver",
		"restart plexmediaserver",
	}, svc.actions)
}

func TestActionUnknownRejectedBeforeSystemd(t *testing.T) {
	svc := &stubServices{}
	m := NewManager(zerolog.Nop(), &stubRunner{}, svc)

	err := m.Action(context.Background(), "reboot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
	assert.Empty(t, svc.actions)
}

func TestActionFailureWrapped(t *testing.T) {
	svc := &stubServices{fail: errors.New("unit not found")}
	m := NewManager(zerolog.Nop(), &stubRunner{}, svc)

	err := m.Action(context.Background(), "restart")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart plexmediaserver")
}

func TestLogsTail(t *testing.T) {
	dir := t.TempDir()
	content := "line1\nline2\nline3\nline4\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Plex Media Server.log"), []byte(content), 0o644))

	m := NewManager(zerolog.Nop(), &stubRunner{}, &stubServices{})
	m.logDir = dir

	lines, err := m.Logs(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"line3", "line4"}, lines)
}

func TestLogsMissingFile(t *testing.T) {
	m := NewManager(zerolog.Nop(), &stubRunner{}, &stubServices{})
	m.logDir = t.TempDir()

	lines, err := m.Logs(50)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCheckUpdateReturnsScriptOutput(t *testing.T) {
	run := &stubRunner{out: map[string]string{
		UpdateScript: "Plex Media Server is up to date (1.41.3)\n",
	}}
	m := NewManager(zerolog.Nop(), run, &stubServices{active: true})

	msg, err := m.CheckUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Plex Media Server is up to date (1.41.3)", msg)
}

func TestCheckUpdateFailure(t *testing.T) {
	run := &stubRunner{errs: map[string]error{
		UpdateScript: errors.New("exit status 1: repository unreachable"),
	}}
	m := NewManager(zerolog.Nop(), run, &stubServices{active: true})

	_, err := m.CheckUpdate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository unreachable")
}
