package config

import (
	"fmt"
	"net/netip"

	"github.com/yllada/shardvpn/common"
	"github.com/yllada/shardvpn/vpn"
)

// SessionConfig derives the immutable per-session settings. Empty host or
// obfs fall back to the configured values. The work directory defaults to
// the user data directory.
func (c *Config) SessionConfig(host, credential, obfs string) (vpn.SessionConfig, error) {
	if host == "" {
		host = c.Server.Host
	}
	if obfs == "" {
		obfs = c.Server.ObfsKey
	}

	workDir := c.Binaries.WorkDir
	if workDir == "" {
		dir, err := common.GetDataDir()
		if err != nil {
			return vpn.SessionConfig{}, err
		}
		workDir = dir
	}

	local, err := netip.ParsePrefix(c.Interface.Address)
	if err != nil {
		return vpn.SessionConfig{}, fmt.Errorf("%w: interface address %q", common.ErrInvalidConfig, c.Interface.Address)
	}
	dns := make([]netip.Addr, 0, len(c.Interface.DNS))
	for _, d := range c.Interface.DNS {
		addr, err := netip.ParseAddr(d)
		if err != nil {
			return vpn.SessionConfig{}, fmt.Errorf("%w: dns server %q", common.ErrInvalidConfig, d)
		}
		dns = append(dns, addr)
	}

	shards := make([]vpn.Shard, len(c.Server.LocalPorts))
	for i, port := range c.Server.LocalPorts {
		shards[i] = vpn.Shard{LocalPort: port}
		if i < len(c.Server.PortRanges) {
			shards[i].PortRange = c.Server.PortRanges[i]
		}
	}

	return vpn.SessionConfig{
		Host:           host,
		Credential:     credential,
		ObfsKey:        obfs,
		Shards:         shards,
		BalancerPort:   c.Server.BalancerPort,
		RecvWindowConn: c.Server.RecvWindowConn,
		RecvWindow:     c.Server.RecvWindow,
		Insecure:       c.Server.Insecure,
		Bypass:         append([]string(nil), c.Server.Bypass...),
		TunName:        c.Interface.Name,
		InterfaceAddr:  local,
		ShimAddr:       c.Interface.ShimAddress,
		ShimNetmask:    c.Interface.ShimNetmask,
		ShimLogLevel:   c.Interface.ShimLogLvl,
		DNS:            dns,
		MTU:            c.Interface.MTU,
		Binaries: vpn.Binaries{
			InstallDir:   c.Binaries.InstallDir,
			WorkDir:      workDir,
			TunnelClient: c.Binaries.TunnelClient,
			Balancer:     c.Binaries.Balancer,
			StackShim:    c.Binaries.StackShim,
		},
		Handoff: vpn.HandoffPolicy{
			InitialDelay: c.Handoff.InitialDelay,
			RetryDelay:   c.Handoff.RetryDelay,
			PollInterval: c.Handoff.PollInterval,
			MaxAttempts:  c.Handoff.MaxAttempts,
		},
	}, nil
}
