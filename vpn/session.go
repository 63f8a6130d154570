// Package vpn provides tunnel session management functionality.
// This file contains the Controller type which drives one session through
// its start sequence, keeps it running and tears it down.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/yllada/shardvpn/common"
)

// State is the lifecycle position of the controller.
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota
	StateResolving
	StateStartingCore
	StateStartingBalancer
	StateEstablishingInterface
	StateStartingShim
	StateHandingOffDescriptor
	// StateRunning means every worker is up and the shim owns the interface.
	StateRunning
	// StateStopping means teardown is in progress.
	StateStopping
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateResolving:
		return "Resolving"
	case StateStartingCore:
		return "StartingCore"
	case StateStartingBalancer:
		return "StartingBalancer"
	case StateEstablishingInterface:
		return "EstablishingInterface"
	case StateStartingShim:
		return "StartingShim"
	case StateHandingOffDescriptor:
		return "HandingOffDescriptor"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Resolver turns a host name into addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// TunnelSession is the live state of one session. It is owned by the
// Controller; callers see it through SessionInfo.
type TunnelSession struct {
	ID         string
	Config     SessionConfig
	ServerAddr netip.Addr
	Routes     []CidrRoute
	SocketPath string
	LogPath    string
	StartedAt  time.Time

	descriptor *os.File
	device     TunnelDevice
	supervisor *Supervisor

	cancel   context.CancelFunc
	done     chan struct{} // start worker returned
	finished chan struct{} // torn down and back to Idle
}

// ProcessInfo describes one supervised worker.
type ProcessInfo struct {
	Role      string
	Pid       int
	Alive     bool
	StartedAt time.Time
}

// SessionInfo is a point-in-time copy of the active session.
type SessionInfo struct {
	ID         string
	Host       string
	State      State
	ServerAddr netip.Addr
	RouteCount int
	SocketPath string
	StartedAt  time.Time
	Processes  []ProcessInfo
}

// Controller runs at most one tunnel session at a time.
type Controller struct {
	mu      sync.Mutex
	state   State
	session *TunnelSession
	lastErr error

	resolver  Resolver
	newDevice func() TunnelDevice
	events    *eventBus
	watch     WatchConfig
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) ControllerOption {
	return func(c *Controller) { c.resolver = r }
}

// WithTunnelDevice replaces the kernel TUN backend. newDevice is called once
// per session.
func WithTunnelDevice(newDevice func() TunnelDevice) ControllerOption {
	return func(c *Controller) { c.newDevice = newDevice }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(size int) ControllerOption {
	return func(c *Controller) { c.events = newEventBus(size) }
}

// WithWatchConfig tunes the running-session watch.
func WithWatchConfig(cfg WatchConfig) ControllerOption {
	return func(c *Controller) { c.watch = cfg }
}

// NewController creates an idle controller.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		state:     StateIdle,
		resolver:  net.DefaultResolver,
		newDevice: func() TunnelDevice { return NewTunInterface() },
		events:    newEventBus(defaultEventBuffer),
		watch:     DefaultWatchConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the controller's event stream. The channel is shared by all
// sessions and is never closed.
func (c *Controller) Events() <-chan Event {
	return c.events.ch
}

// DroppedEvents is the number of events discarded because nobody was reading.
func (c *Controller) DroppedEvents() uint64 {
	return c.events.dropped.Load()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that ended the most recent session, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns a snapshot of the active session.
func (c *Controller) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.session
	if sess == nil {
		return SessionInfo{State: c.state}, false
	}

	info := SessionInfo{
		ID:         sess.ID,
		Host:       sess.Config.Host,
		State:      c.state,
		ServerAddr: sess.ServerAddr,
		RouteCount: len(sess.Routes),
		SocketPath: sess.SocketPath,
		StartedAt:  sess.StartedAt,
	}
	for _, p := range sess.supervisor.Processes() {
		info.Processes = append(info.Processes, ProcessInfo{
			Role:      p.Role.String(),
			Pid:       p.Pid(),
			Alive:     sess.supervisor.IsAlive(p),
			StartedAt: p.StartTime,
		})
	}
	return info, true
}

// Finished returns a channel closed once the current session is fully torn
// down. With no session it returns an already-closed channel.
func (c *Controller) Finished() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.session.finished
}

// Start validates cfg and launches the start sequence in the background. The
// returned channel yields exactly one value: nil once the session is Running,
// or the error that ended the attempt.
func (c *Controller) Start(cfg SessionConfig) (<-chan error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil, common.ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &TunnelSession{
		ID:         common.NewSessionID(),
		Config:     cfg,
		SocketPath: cfg.SocketPath(),
		LogPath:    cfg.ProcessLogPath(),
		StartedAt:  time.Now(),
		device:     c.newDevice(),
		cancel:     cancel,
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	sess.supervisor = NewSupervisor(SupervisorOptions{
		WorkDir:     cfg.Binaries.WorkDir,
		LogPath:     sess.LogPath,
		GracePeriod: common.StopGracePeriod,
		OnOutput: func(role Role, line string) {
			c.events.publish(Event{SessionID: sess.ID, Kind: EventProcess, Role: role.String(), Message: line})
		},
	})

	c.session = sess
	c.lastErr = nil
	c.setStateLocked(sess, StateResolving)

	result := make(chan error, 1)
	go c.run(ctx, sess, result)
	return result, nil
}

// Stop tears the active session down and waits until the controller is Idle.
// It is a no-op when Idle; while a teardown is already running it waits for
// that teardown instead of starting another.
func (c *Controller) Stop() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateStopping {
		finished := sess.finished
		c.mu.Unlock()
		<-finished
		return nil
	}
	c.setStateLocked(sess, StateStopping)
	c.mu.Unlock()

	sess.cancel()
	<-sess.done

	err := c.teardown(sess)
	c.finish(sess, nil)
	return err
}

// run is the start worker. It owns the session until Running, then watches
// the workers until the session is cancelled or one of them dies.
func (c *Controller) run(ctx context.Context, sess *TunnelSession, result chan<- error) {
	defer close(sess.done)

	err := c.startSequence(ctx, sess)
	if err == nil {
		if !c.transition(sess, StateRunning) {
			// Stop won the race; it tears down once we return.
			result <- common.ErrCancelled
			return
		}
		c.publish(sess, EventLog, "session running")
		result <- nil

		err = c.watchSession(ctx, sess)
		if err == nil {
			return
		}
		c.publishErr(sess, err)
		if c.beginStop(sess) {
			if terr := c.teardown(sess); terr != nil {
				common.LogWarn("Teardown after worker exit: %v", terr)
			}
			c.finish(sess, err)
		}
		return
	}

	if ctx.Err() != nil {
		err = errors.Join(common.ErrCancelled, err)
	}
	c.publishErr(sess, err)
	if c.beginStop(sess) {
		if terr := c.teardown(sess); terr != nil {
			common.LogWarn("Teardown after failed start: %v", terr)
		}
		c.finish(sess, err)
	}
	result <- err
}

func (c *Controller) startSequence(ctx context.Context, sess *TunnelSession) error {
	cfg := sess.Config

	// Leftovers from a crashed run would make the shim's bind fail.
	for _, path := range []string{sess.SocketPath, sess.LogPath} {
		if err := common.RemoveIfExists(path); err != nil {
			common.LogWarn("Removing stale %s: %v", path, err)
		}
	}

	server, err := ResolveIPv4(ctx, c.resolver, cfg.Host)
	if err != nil {
		return err
	}
	excluded := []netip.Prefix{netip.PrefixFrom(server, 32)}
	for _, b := range cfg.Bypass {
		prefix, err := ResolveExclusion(ctx, c.resolver, b)
		if err != nil {
			return err
		}
		excluded = append(excluded, prefix)
	}
	c.update(func() { sess.ServerAddr = server })
	c.publish(sess, EventLog, fmt.Sprintf("%s resolved to %s", cfg.Host, server))

	if !c.transition(sess, StateStartingCore) {
		return common.ErrCancelled
	}
	prov := &Provisioner{InstallDir: cfg.Binaries.InstallDir, WorkDir: cfg.Binaries.WorkDir}
	clientBin, err := prov.Resolve(common.TunnelClientBinary, cfg.Binaries.TunnelClient)
	if err != nil {
		return err
	}
	balancerBin, err := prov.Resolve(common.BalancerBinary, cfg.Binaries.Balancer)
	if err != nil {
		return err
	}
	shimBin, err := prov.Resolve(common.StackShimBinary, cfg.Binaries.StackShim)
	if err != nil {
		return err
	}
	env := map[string]string{"LD_LIBRARY_PATH": prov.LibraryPath()}

	for i, shard := range cfg.Shards {
		argv, err := tunnelClientCommand(clientBin, server, shard, cfg)
		if err != nil {
			return &common.ProcessLaunchError{Role: TunnelClient(i).String(), Path: clientBin, Err: err}
		}
		if _, err := sess.supervisor.Start(ctx, TunnelClient(i), argv, env); err != nil {
			return err
		}
	}

	if !c.transition(sess, StateStartingBalancer) {
		return common.ErrCancelled
	}
	if _, err := sess.supervisor.Start(ctx, Role{Kind: RoleBalancer}, balancerCommand(balancerBin, cfg), env); err != nil {
		return err
	}

	if !c.transition(sess, StateEstablishingInterface) {
		return common.ErrCancelled
	}
	routes, err := ExclusionRoutesFor(excluded...)
	if err != nil {
		return &common.InterfaceError{Step: "routes", Err: err}
	}
	descriptor, err := sess.device.Establish(InterfaceConfig{
		Name:   cfg.TunName,
		Local:  cfg.InterfaceAddr,
		DNS:    cfg.DNS,
		MTU:    cfg.MTU,
		Routes: routes,
	})
	if err != nil {
		return err
	}
	c.update(func() {
		sess.Routes = routes
		sess.descriptor = descriptor
	})

	if !c.transition(sess, StateStartingShim) {
		return common.ErrCancelled
	}
	shimArgv := stackShimCommand(shimBin, cfg, int(descriptor.Fd()), sess.SocketPath)
	if _, err := sess.supervisor.Start(ctx, Role{Kind: RoleStackShim}, shimArgv, env); err != nil {
		return err
	}

	if !c.transition(sess, StateHandingOffDescriptor) {
		return common.ErrCancelled
	}
	return Handoff(ctx, descriptor, sess.SocketPath, cfg.Handoff)
}

// ResolveIPv4 returns the first IPv4 address of host. Literals skip the lookup.
func ResolveIPv4(ctx context.Context, r Resolver, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, &common.ResolutionError{Host: host, Err: common.ErrInvalidAddress}
		}
		return addr, nil
	}

	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, &common.ResolutionError{Host: host, Err: err}
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, &common.ResolutionError{Host: host, Err: errors.New("no IPv4 address")}
}

// ResolveExclusion turns a bypass entry into a prefix. CIDR blocks and
// addresses are taken as written; anything else is resolved as a host name.
func ResolveExclusion(ctx context.Context, r Resolver, entry string) (netip.Prefix, error) {
	if prefix, err := ParseRoute(entry); err == nil {
		return prefix, nil
	}
	addr, err := ResolveIPv4(ctx, r, entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, 32), nil
}

// teardown releases everything the session acquired. Every step runs even
// when an earlier one fails.
func (c *Controller) teardown(sess *TunnelSession) error {
	var errs []error
	if err := sess.device.Close(); err != nil {
		errs = append(errs, &common.InterfaceError{Step: "close", Err: err})
	}
	if err := sess.supervisor.StopAll(); err != nil {
		errs = append(errs, err)
	}
	for _, path := range []string{sess.SocketPath, sess.LogPath} {
		if err := common.RemoveIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		common.LogWarn("Session %s teardown: %v", sess.ID, err)
	}
	return err
}

// beginStop moves a live session to Stopping. Only the caller that gets true
// may tear it down.
func (c *Controller) beginStop(sess *TunnelSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess || c.state == StateStopping {
		return false
	}
	c.setStateLocked(sess, StateStopping)
	return true
}

func (c *Controller) finish(sess *TunnelSession, cause error) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
		c.lastErr = cause
		c.setStateLocked(sess, StateIdle)
	}
	c.mu.Unlock()
	close(sess.finished)
}

// transition advances the start sequence unless a stop has begun.
func (c *Controller) transition(sess *TunnelSession, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess || c.state == StateStopping {
		return false
	}
	c.setStateLocked(sess, to)
	return true
}

func (c *Controller) setStateLocked(sess *TunnelSession, to State) {
	c.state = to
	c.events.publish(Event{SessionID: sess.ID, Kind: EventState, State: to, Message: to.String()})
}

func (c *Controller) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Controller) publish(sess *TunnelSession, kind EventKind, msg string) {
	c.events.publish(Event{SessionID: sess.ID, Kind: kind, State: c.State(), Message: msg})
}

func (c *Controller) publishErr(sess *TunnelSession, err error) {
	c.events.publish(Event{SessionID: sess.ID, Kind: EventError, State: c.State(), Message: err.Error(), Err: err})
}
