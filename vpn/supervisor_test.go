//go:build unix

package vpn

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/shardvpn/common"
)

func TestRole_String(t *testing.T) {
	tests := []struct {
		role     Role
		expected string
	}{
		{TunnelClient(0), "tunnel-client-0"},
		{TunnelClient(3), "tunnel-client-3"},
		{Role{Kind: RoleBalancer}, "balancer"},
		{Role{Kind: RoleStackShim}, "stack-shim"},
		{Role{Kind: RoleKind(99)}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.role.String(); got != tt.expected {
				t.Errorf("Role.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func fakeEnv(mode string) map[string]string {
	env := map[string]string{fakeWorkerEnv: "1"}
	if mode != "" {
		env[fakeModeEnv] = mode
	}
	return env
}

func TestSupervisor_StopAllEmpty(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{WorkDir: t.TempDir()})
	assert.NoError(t, s.StopAll())
	assert.NoError(t, s.StopAll())
	assert.Empty(t, s.Processes())
}

func TestSupervisor_StartAndStopOne(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{WorkDir: t.TempDir()})
	exe := testExecutable(t)

	p, err := s.Start(context.Background(), Role{Kind: RoleBalancer}, []string{exe, "-lport", "7777"}, fakeEnv(""))
	require.NoError(t, err)
	assert.True(t, s.IsAlive(p))
	assert.NotZero(t, p.Pid())
	assert.Equal(t, []string{exe, "-lport", "7777"}, p.Args)
	require.Len(t, s.Processes(), 1)

	require.NoError(t, s.StopAll())
	assert.False(t, s.IsAlive(p))
	assert.Empty(t, s.Processes())
	assert.True(t, processGone(p.Pid()))

	assert.NoError(t, s.StopAll(), "second StopAll should be a no-op")
}

func TestSupervisor_StopAllMany(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{WorkDir: t.TempDir(), GracePeriod: 300 * time.Millisecond})
	exe := testExecutable(t)

	var procs []*ManagedProcess
	for i := 0; i < 3; i++ {
		p, err := s.Start(context.Background(), TunnelClient(i), []string{exe}, fakeEnv(""))
		require.NoError(t, err)
		procs = append(procs, p)
	}
	stubborn, err := s.Start(context.Background(), Role{Kind: RoleStackShim}, []string{exe}, fakeEnv("stubborn"))
	require.NoError(t, err)
	procs = append(procs, stubborn)

	// Let the stubborn worker install its handler before SIGTERM arrives.
	time.Sleep(200 * time.Millisecond)

	started := time.Now()
	require.NoError(t, s.StopAll())
	assert.Less(t, time.Since(started), 3*time.Second)

	for _, p := range procs {
		assert.False(t, s.IsAlive(p), "%s still alive", p.Role)
	}
	assert.Empty(t, s.Processes())
}

func TestSupervisor_AlreadyExited(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{WorkDir: t.TempDir()})
	p, err := s.Start(context.Background(), TunnelClient(0), []string{testExecutable(t)}, fakeEnv("exit"))
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.False(t, s.IsAlive(p))
	assert.Error(t, p.ExitErr())

	assert.NoError(t, s.StopAll())
	assert.Empty(t, s.Processes())
}

func TestSupervisor_CancelledContextRefusesLaunch(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{WorkDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Start(ctx, TunnelClient(0), []string{testExecutable(t)}, fakeEnv(""))
	assert.ErrorIs(t, err, common.ErrLaunch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Processes())
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{WorkDir: t.TempDir()})

	_, err := s.Start(context.Background(), Role{Kind: RoleBalancer}, []string{"/nonexistent/load"}, nil)
	var launchErr *common.ProcessLaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "balancer", launchErr.Role)
	assert.Equal(t, "/nonexistent/load", launchErr.Path)
	assert.Empty(t, s.Processes())

	_, err = s.Start(context.Background(), Role{Kind: RoleBalancer}, nil, nil)
	assert.ErrorIs(t, err, common.ErrLaunch)
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(role Role, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, role.String()+": "+line)
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestSupervisor_OutputFiltering(t *testing.T) {
	work := t.TempDir()
	logPath := filepath.Join(work, common.ProcessLogFileName)
	var collected lineCollector
	s := NewSupervisor(SupervisorOptions{WorkDir: work, LogPath: logPath, OnOutput: collected.add})
	exe := testExecutable(t)

	_, err := s.Start(context.Background(), TunnelClient(0), []string{exe}, fakeEnv("chatty"))
	require.NoError(t, err)
	_, err = s.Start(context.Background(), Role{Kind: RoleStackShim}, []string{exe}, fakeEnv("chatty"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(collected.snapshot()) == 5
	}, 5*time.Second, 20*time.Millisecond)

	lines := collected.snapshot()
	assert.Contains(t, lines, "tunnel-client-0: an ERROR happened")
	assert.Contains(t, lines, "tunnel-client-0: Failed to frobnicate")
	assert.NotContains(t, lines, "tunnel-client-0: hello")
	assert.Contains(t, lines, "stack-shim: hello", "every shim line is surfaced")

	require.NoError(t, s.StopAll())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(data), "\n"), "worker log keeps every line")
	assert.Contains(t, string(data), `"role":"tunnel-client-0"`)
	assert.Contains(t, string(data), "hello")
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "LD_LIBRARY_PATH=/old", "HOME=/root"}
	got := mergeEnv(base, map[string]string{"LD_LIBRARY_PATH": "/usr/lib/shardvpn"})

	assert.Contains(t, got, "PATH=/bin")
	assert.Contains(t, got, "HOME=/root")
	assert.Contains(t, got, "LD_LIBRARY_PATH=/usr/lib/shardvpn")
	assert.NotContains(t, got, "LD_LIBRARY_PATH=/old")
	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestSupervisor_DrainsOverlongLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, common.ProcessLogFileName)

	var mu sync.Mutex
	var surfaced []string
	s := NewSupervisor(SupervisorOptions{
		WorkDir: dir,
		LogPath: logPath,
		OnOutput: func(_ Role, line string) {
			mu.Lock()
			surfaced = append(surfaced, line)
			mu.Unlock()
		},
	})

	p, err := s.Start(context.Background(), TunnelClient(0), []string{testExecutable(t)}, fakeEnv("flood"))
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker blocked on its output")
	}
	assert.NoError(t, p.ExitErr(), "worker should finish writing and exit cleanly")
	require.NoError(t, s.StopAll())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3003)
	assert.Less(t, len(lines[0]), maxLineLen+256, "overlong line should be truncated")
	assert.Contains(t, lines[len(lines)-1], "flood finished")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"error after the long line"}, surfaced)
}

func TestReadLine_Truncates(t *testing.T) {
	input := strings.Repeat("x", 100) + "\nshort\ntail"
	br := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, err := readLine(br, 40)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 40), line)

	line, err = readLine(br, 40)
	require.NoError(t, err)
	assert.Equal(t, "short", line)

	line, err = readLine(br, 40)
	require.NoError(t, err)
	assert.Equal(t, "tail", line)

	_, err = readLine(br, 40)
	assert.ErrorIs(t, err, io.EOF)
}
