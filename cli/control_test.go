package cli

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats string

func (s fixedStats) GetStats() string { return string(s) }

func startControl(t *testing.T) *control {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ctl, err := listenControl(path, fixedStats("connections=2,users=a;b"), slog.Default())
	require.NoError(t, err)
	go ctl.serve()
	t.Cleanup(func() { ctl.Close() })
	return ctl
}

func TestControlStats(t *testing.T) {
	ctl := startControl(t)

	reply, err := sendCommand(ctl.path, "stats")
	require.NoError(t, err)
	assert.Equal(t, "connections=2,users=a;b", reply)
}

func TestControlUnknownCommand(t *testing.T) {
	ctl := startControl(t)

	_, err := sendCommand(ctl.path, "reboot")
	assert.EqualError(t, err, "Unknown command")
}

func TestControlShutdown(t *testing.T) {
	ctl := startControl(t)

	reply, err := sendCommand(ctl.path, "shutdown|restart|2030-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, "Shutting down", reply)

	select {
	case req := <-ctl.requests:
		assert.Equal(t, "restart", req.reason)
		assert.True(t, req.until.Equal(time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)))
	case <-time.After(time.Second):
		t.Fatal("no shutdown request")
	}
}

func TestControlShutdownDefaults(t *testing.T) {
	ctl := startControl(t)

	_, err := sendCommand(ctl.path, "shutdown")
	require.NoError(t, err)

	_, err = sendCommand(ctl.path, "shutdown|again")
	assert.EqualError(t, err, "Shutdown already in progress")

	req := <-ctl.requests
	assert.Equal(t, "maintenance", req.reason)
	assert.True(t, req.until.IsZero())
}

func TestControlShutdownBadTime(t *testing.T) {
	ctl := startControl(t)

	_, err := sendCommand(ctl.path, "shutdown|restart|tomorrow")
	assert.EqualError(t, err, "Invalid completion time")
}

func TestStatsCommand(t *testing.T) {
	ctl := startControl(t)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--socket", ctl.path, "stats"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "connections=2,users=a;b\n", out.String())
}

func TestShutdownCommandValidatesUntil(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--socket", "/nonexistent.sock", "shutdown", "--until", "soon"})
	assert.ErrorContains(t, cmd.Execute(), "invalid --until")
}

func TestStatsCommandWithoutServer(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--socket", filepath.Join(t.TempDir(), "none.sock"), "stats"})
	assert.ErrorContains(t, cmd.Execute(), "connect to control socket")
}
