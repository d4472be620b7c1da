package gameserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/internal/discover"
	"github.com/psantana5/procctl/internal/supervisor"
)

// fakeServer mimics the console of the real binary. The first argument picks
// a behaviour, the rest are connected player names.
const fakeServer = `#!/bin/sh
mode=$1
shift
echo "[12:00:01] Loading world"
if [ "$mode" = silent ]; then
  sleep 30
  exit 0
fi
echo "[12:00:02] Server started"
while IFS= read -r line; do
  case "$line" in
    playing)
      echo "[12:00:03] Running command playing"
      if [ $# -eq 0 ]; then
        echo "No players connected."
      else
        for p in "$@"; do echo "$p"; done
        echo "$# player(s) connected."
      fi
      ;;
    exit)
      if [ "$mode" = stubborn ]; then
        echo "[12:00:04] Ignoring exit"
      else
        echo "[12:00:04] Server stopped"
        exit 0
      fi
      ;;
  esac
done
`

func writeServer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-gameserver")
	require.NoError(t, os.WriteFile(path, []byte(fakeServer), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, args ...string) *Supervisor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Executable = writeServer(t)
	cfg.Args = args
	cfg.StartupTimeout = 500 * time.Millisecond
	cfg.StopTimeout = 500 * time.Millisecond
	cfg.StopLinger = 200 * time.Millisecond
	cfg.QueryWindow = 200 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond

	scanner := discover.NewScannerWith(
		func(context.Context) ([]discover.Process, error) { return nil, nil },
		func(context.Context, int) error { return nil },
	)
	s, err := New(cfg, nil, scanner)
	require.NoError(t, err)

	t.Cleanup(func() {
		if p := s.Owned(); p != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Kill(ctx)
		}
	})
	return s
}

func TestNewValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executable = "server"
	cfg.TimestampPattern = "(["
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestStartupAndGracefulStop(t *testing.T) {
	s := newTestSupervisor(t, "normal")
	ctx := context.Background()

	resp := s.Execute(ctx, "Startup", nil)
	require.False(t, resp.IsFailure(), resp.Text)
	assert.Equal(t, supervisor.StateOnline, s.State())

	first := s.Owned()
	resp = s.Execute(ctx, "startup", nil)
	assert.Contains(t, resp.Text, "already running")
	assert.Same(t, first, s.Owned(), "no second process spawned")

	resp = s.Execute(ctx, "Shutdown", nil)
	require.False(t, resp.IsFailure(), resp.Text)
	assert.False(t, resp.IsWarning(), resp.Text)
	assert.Equal(t, supervisor.StateOffline, s.State())
	assert.Nil(t, s.Owned())
}

func TestStartupWithoutExecutable(t *testing.T) {
	s, err := New(DefaultConfig(), nil, discover.NewScannerWith(
		func(context.Context) ([]discover.Process, error) { return nil, nil }, nil))
	require.NoError(t, err)

	resp := s.Execute(context.Background(), "Startup", nil)
	assert.True(t, resp.IsFailure())
	assert.Contains(t, resp.Text, supervisor.ErrExecutableNotFound.Error())
}

func TestStartupWithoutReadyMarkerTimesOut(t *testing.T) {
	s := newTestSupervisor(t, "silent")

	resp := s.Execute(context.Background(), "Startup", nil)
	assert.True(t, resp.IsFailure())
	assert.Contains(t, resp.Text, supervisor.ErrReadinessTimeout.Error())
	assert.Contains(t, resp.Text, "Loading world")
	assert.Nil(t, s.Owned())
	assert.Equal(t, supervisor.StateOffline, s.State())
}

func TestShutdownRefusedWhilePlayersConnected(t *testing.T) {
	s := newTestSupervisor(t, "normal", "alice", "bob")
	ctx := context.Background()
	require.False(t, s.Execute(ctx, "Startup", nil).IsFailure())

	resp := s.Execute(ctx, "Shutdown", command.Args{false})
	assert.True(t, resp.IsWarning(), resp.Text)
	assert.Contains(t, resp.Text, "2 player(s)")
	assert.Contains(t, resp.Text, "alice")
	assert.NotNil(t, s.Owned())
	assert.Equal(t, supervisor.StateOnline, s.State())

	resp = s.Execute(ctx, "Shutdown", command.Args{true})
	assert.False(t, resp.IsFailure(), resp.Text)
	assert.Nil(t, s.Owned())
}

func TestShutdownRefusedWhenPlayerCheckFails(t *testing.T) {
	s := newTestSupervisor(t, "normal")
	require.False(t, s.Execute(context.Background(), "Startup", nil).IsFailure())

	// the roster query gives up at once on a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := s.Shutdown(ctx, false)
	assert.True(t, resp.IsWarning(), resp.Text)
	assert.Contains(t, resp.Text, "could not check connected players")
	assert.NotNil(t, s.Owned())

	resp = s.Execute(context.Background(), "Shutdown", command.Args{true})
	assert.False(t, resp.IsFailure(), resp.Text)
	assert.Nil(t, s.Owned())
}

func TestForcedShutdownKillsUnresponsiveServer(t *testing.T) {
	s := newTestSupervisor(t, "stubborn")
	ctx := context.Background()
	require.False(t, s.Execute(ctx, "Startup", nil).IsFailure())

	resp := s.Execute(ctx, "Shutdown", command.Args{true})
	assert.False(t, resp.IsFailure(), resp.Text)
	assert.Contains(t, resp.Text, "force-stopped")
	assert.Nil(t, s.Owned())
	assert.Equal(t, supervisor.StateOffline, s.State())
}

func TestUnforcedShutdownOfUnresponsiveServerWarns(t *testing.T) {
	s := newTestSupervisor(t, "stubborn")
	ctx := context.Background()
	require.False(t, s.Execute(ctx, "Startup", nil).IsFailure())

	resp := s.Execute(ctx, "Shutdown", command.Args{false})
	assert.True(t, resp.IsWarning(), resp.Text)
	assert.Contains(t, resp.Text, supervisor.ErrStopTimeout.Error())
	assert.NotNil(t, s.Owned())
}

func TestListPlayers(t *testing.T) {
	s := newTestSupervisor(t, "normal", "alice", "bob")
	ctx := context.Background()

	resp := s.Execute(ctx, "ListPlayers", nil)
	assert.True(t, resp.IsWarning(), "not running yet")

	require.False(t, s.Execute(ctx, "Startup", nil).IsFailure())
	resp = s.Execute(ctx, "listplayers", nil)
	assert.Equal(t, "Players online (2):\n- alice\n- bob\n2 player(s) connected.", resp.Text)
	assert.NotContains(t, resp.Text, "Running command")
}

func TestListPlayersNobodyOnline(t *testing.T) {
	s := newTestSupervisor(t, "normal")
	ctx := context.Background()
	require.False(t, s.Execute(ctx, "Startup", nil).IsFailure())

	resp := s.Execute(ctx, "ListPlayers", nil)
	assert.Equal(t, "No players connected.", resp.Text)
}

func TestClassify(t *testing.T) {
	s := offlineSupervisor(t)
	r := s.classify([]string{
		"[12:00:03] Running command playing",
		"12:00 Autosave complete",
		"alice",
		"  bob  ",
		"",
		"2 player(s) connected.",
	})
	assert.Equal(t, []string{"alice", "bob"}, r.Players)
	assert.Equal(t, "2 player(s) connected.", r.Summary)

	r = s.classify([]string{"1 player connected."})
	assert.Empty(t, r.Players)
	assert.Equal(t, "1 player connected.", r.Summary)
}

func offlineSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Executable = "server"
	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return s
}

func TestConcurrentCommandsSerialize(t *testing.T) {
	s := newTestSupervisor(t, "normal", "alice")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]command.Response, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Execute(ctx, "Startup", nil)
		}(i)
	}
	wg.Wait()

	online, already := 0, 0
	for _, r := range results {
		require.False(t, r.IsFailure(), r.Text)
		if strings.Contains(r.Text, "already running") {
			already++
		} else {
			online++
		}
	}
	assert.Equal(t, 1, online)
	assert.Equal(t, 2, already)
}
