package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/shardvpn/common"
)

// RoleKind identifies what a worker process does in the session.
type RoleKind int

const (
	// RoleTunnelClient is one shard of the remote tunnel.
	RoleTunnelClient RoleKind = iota
	// RoleBalancer spreads connections across the shards.
	RoleBalancer
	// RoleStackShim bridges the virtual interface to the balancer.
	RoleStackShim
)

// Role is a worker's kind plus its shard index for tunnel clients.
type Role struct {
	Kind  RoleKind
	Index int
}

// TunnelClient returns the role of shard i.
func TunnelClient(i int) Role { return Role{Kind: RoleTunnelClient, Index: i} }

// String returns a short name suitable for log fields.
func (r Role) String() string {
	switch r.Kind {
	case RoleTunnelClient:
		return fmt.Sprintf("tunnel-client-%d", r.Index)
	case RoleBalancer:
		return "balancer"
	case RoleStackShim:
		return "stack-shim"
	default:
		return "unknown"
	}
}

// noisy roles have every output line surfaced, not only errors.
func (r Role) noisy() bool {
	return r.Kind == RoleStackShim
}

// ManagedProcess is a worker started by the Supervisor.
type ManagedProcess struct {
	Role      Role
	Args      []string
	StartTime time.Time

	cmd     *exec.Cmd
	done    chan struct{}
	drained chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Pid returns the operating system process id.
func (p *ManagedProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// ExitErr is the error returned by Wait, valid after Done is closed.
func (p *ManagedProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *ManagedProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *ManagedProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

// OutputFunc receives worker output lines that are worth surfacing.
type OutputFunc func(role Role, line string)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// WorkDir is the working directory of every worker.
	WorkDir string
	// LogPath, when set, receives every output line of every worker.
	LogPath string
	// GracePeriod is how long StopAll waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration
	// OnOutput is called for error lines and for every line of noisy roles.
	OnOutput OutputFunc
}

// Supervisor launches worker processes, drains their output and stops them as
// a group.
type Supervisor struct {
	opts SupervisorOptions

	mu      sync.Mutex
	procs   []*ManagedProcess
	logFile *os.File
	procLog zerolog.Logger
}

// NewSupervisor creates a supervisor with no tracked processes.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = common.StopGracePeriod
	}
	return &Supervisor{opts: opts, procLog: zerolog.Nop()}
}

// Start launches argv[0] with the remaining arguments. env entries override the
// inherited environment. A cancelled ctx refuses the launch.
func (s *Supervisor) Start(ctx context.Context, role Role, argv []string, env map[string]string) (*ManagedProcess, error) {
	if len(argv) == 0 {
		return nil, &common.ProcessLaunchError{Role: role.String(), Err: errors.New("empty command line")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &common.ProcessLaunchError{Role: role.String(), Path: argv[0], Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = mergeEnv(os.Environ(), env)

	// stdout and stderr share one pipe so lines keep their relative order.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &common.ProcessLaunchError{Role: role.String(), Path: argv[0], Err: err}
	}
	cmd.Stdout = w
	cmd.Stderr = w

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		r.Close()
		w.Close()
		return nil, &common.ProcessLaunchError{Role: role.String(), Path: argv[0], Err: err}
	}
	s.openProcessLogLocked()

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &common.ProcessLaunchError{Role: role.String(), Path: argv[0], Err: err}
	}
	w.Close()

	p := &ManagedProcess{
		Role:      role,
		Args:      append([]string(nil), argv...),
		StartTime: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
	}
	s.procs = append(s.procs, p)

	go s.drain(p, r, s.procLog)
	go p.wait()

	log := common.Logger()
	log.Info().Str("role", role.String()).Int("pid", p.Pid()).Msg("worker started")
	return p, nil
}

// openProcessLogLocked opens the shared worker log on first use.
func (s *Supervisor) openProcessLogLocked() {
	if s.opts.LogPath == "" || s.logFile != nil {
		return
	}
	f, err := os.OpenFile(s.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		common.LogWarn("Cannot open worker log %s: %v", s.opts.LogPath, err)
		return
	}
	s.logFile = f
	s.procLog = zerolog.New(f).With().Timestamp().Logger()
}

// maxLineLen caps what is kept of one output line; the rest of an overlong
// line is read and dropped.
const maxLineLen = 64 * 1024

// drain reads the merged output until EOF. It never blocks the worker: the
// pipe is always read even when nothing is forwarded.
func (s *Supervisor) drain(p *ManagedProcess, r *os.File, procLog zerolog.Logger) {
	defer close(p.drained)
	defer r.Close()

	br := bufio.NewReaderSize(r, maxLineLen)
	role := p.Role.String()
	for {
		line, err := readLine(br, maxLineLen)
		if err == nil || len(line) > 0 {
			s.handleLine(p, procLog, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				common.LogDebug("Output of %s ended: %v", role, err)
			}
			return
		}
	}
}

// readLine returns the next line without its terminator, truncated to limit
// bytes.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		frag, isPrefix, err := br.ReadLine()
		if room := limit - len(buf); room > 0 {
			if len(frag) > room {
				frag = frag[:room]
			}
			buf = append(buf, frag...)
		}
		if err != nil || !isPrefix {
			return string(buf), err
		}
	}
}

func (s *Supervisor) handleLine(p *ManagedProcess, procLog zerolog.Logger, line string) {
	role := p.Role.String()
	procLog.Log().Str("role", role).Msg(line)

	if !p.Role.noisy() && !isErrorLine(line) {
		return
	}
	log := common.Logger()
	log.Info().Str("role", role).Msg(line)
	if s.opts.OnOutput != nil {
		s.opts.OnOutput(p.Role, line)
	}
}

func isErrorLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") || strings.Contains(lower, "fail")
}

// IsAlive reports whether p is still running.
func (s *Supervisor) IsAlive(p *ManagedProcess) bool {
	return p != nil && !p.exited()
}

// Processes returns a snapshot of the tracked processes.
func (s *Supervisor) Processes() []*ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ManagedProcess(nil), s.procs...)
}

// StopAll terminates every tracked process: SIGTERM first, then SIGKILL for
// anything still alive after the grace period. The tracked set is always empty
// afterwards and calling it again is a no-op.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	logFile := s.logFile
	s.logFile = nil
	s.procLog = zerolog.Nop()
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if p.exited() {
			continue
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			common.LogDebug("SIGTERM to %s failed: %v", p.Role, err)
		}
	}

	grace, cancel := context.WithTimeout(context.Background(), s.opts.GracePeriod)
	defer cancel()
	for _, p := range procs {
		select {
		case <-p.done:
		case <-grace.Done():
		}
	}

	for _, p := range procs {
		if p.exited() {
			continue
		}
		common.LogWarn("%s (pid %d) ignored SIGTERM, killing", p.Role, p.Pid())
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill %s: %w", p.Role, err))
		}
	}

	reap, cancelReap := context.WithTimeout(context.Background(), time.Second)
	defer cancelReap()
	for _, p := range procs {
		select {
		case <-p.done:
		case <-reap.Done():
			errs = append(errs, fmt.Errorf("%s (pid %d) not reaped", p.Role, p.Pid()))
			continue
		}
		select {
		case <-p.drained:
		case <-reap.Done():
		}
	}

	if logFile != nil {
		if err := logFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(procs) > 0 {
		common.LogInfo("Stopped %d worker(s)", len(procs))
	}
	return errors.Join(errs...)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
