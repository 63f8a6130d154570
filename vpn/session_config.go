package vpn

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/yllada/shardvpn/common"
)

// Shard is one tunnel client: the remote port range it dials and the local
// proxy port it listens on.
type Shard struct {
	PortRange string
	LocalPort int
}

// Binaries locates the worker executables for a session.
type Binaries struct {
	InstallDir   string
	WorkDir      string
	TunnelClient string
	Balancer     string
	StackShim    string
}

// SessionConfig is everything one session needs. The controller keeps its own
// copy, so changing the caller's value after Start has no effect.
type SessionConfig struct {
	Host       string
	Credential string
	ObfsKey    string

	Shards         []Shard
	BalancerPort   int
	RecvWindowConn int
	RecvWindow     int
	Insecure       bool
	// Bypass holds extra hosts or CIDR blocks kept off the tunnel.
	Bypass []string

	TunName       string
	InterfaceAddr netip.Prefix
	ShimAddr      string
	ShimNetmask   string
	ShimLogLevel  int
	DNS           []netip.Addr
	MTU           int

	Binaries Binaries
	Handoff  HandoffPolicy
}

// Validate reports the first problem that would make a start attempt pointless.
func (c SessionConfig) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", common.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Host) == "" {
		return invalid("host is required")
	}
	if c.Credential == "" {
		return invalid("credential is required")
	}
	if len(c.Shards) == 0 {
		return invalid("at least one shard is required")
	}
	ports := map[int]bool{c.BalancerPort: true}
	if c.BalancerPort <= 0 || c.BalancerPort > 65535 {
		return invalid("balancer port %d", c.BalancerPort)
	}
	for i, s := range c.Shards {
		if s.LocalPort <= 0 || s.LocalPort > 65535 || ports[s.LocalPort] {
			return invalid("shard %d local port %d", i, s.LocalPort)
		}
		ports[s.LocalPort] = true
		if strings.TrimSpace(s.PortRange) == "" {
			return invalid("shard %d has no port range", i)
		}
	}
	if !c.InterfaceAddr.IsValid() || !c.InterfaceAddr.Addr().Is4() {
		return invalid("interface address %v", c.InterfaceAddr)
	}
	if c.MTU <= 0 {
		return invalid("mtu %d", c.MTU)
	}
	if c.Binaries.WorkDir == "" || !filepath.IsAbs(c.Binaries.WorkDir) {
		return invalid("work directory %q must be an absolute path", c.Binaries.WorkDir)
	}
	if c.Handoff.MaxAttempts <= 0 {
		return invalid("hand-off needs at least one attempt")
	}
	return nil
}

func (c SessionConfig) clone() SessionConfig {
	c.Shards = append([]Shard(nil), c.Shards...)
	c.Bypass = append([]string(nil), c.Bypass...)
	c.DNS = append([]netip.Addr(nil), c.DNS...)
	return c
}

// SocketPath is where the stack shim listens for the descriptor.
func (c SessionConfig) SocketPath() string {
	return filepath.Join(c.Binaries.WorkDir, common.SocketFileName)
}

// ProcessLogPath collects the raw output of every worker.
func (c SessionConfig) ProcessLogPath() string {
	return filepath.Join(c.Binaries.WorkDir, common.ProcessLogFileName)
}
