// Package common provides shared constants, types, and utilities
// used across shardvpn.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "shardvpn"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "shardvpn"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SHARDVPN"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "shardvpn.log"
	// SocketFileName is the hand-off socket the stack shim listens on.
	SocketFileName = "tun.sock"
	// ProcessLogFileName collects worker output for the current session.
	ProcessLogFileName = "process_log.txt"
)

// Default timeouts and intervals.
const (
	// StopGracePeriod is how long workers get to exit after SIGTERM.
	StopGracePeriod = 3 * time.Second
	// HandoffInitialDelay gives the shim time to create its socket.
	HandoffInitialDelay = 500 * time.Millisecond
	// HandoffRetryDelay is the pause after a failed connect or send.
	HandoffRetryDelay = 500 * time.Millisecond
	// HandoffPollInterval is the pause while the socket file is missing.
	HandoffPollInterval = 200 * time.Millisecond
	// HandoffMaxAttempts bounds the whole hand-off.
	HandoffMaxAttempts = 20
)

// Worker defaults.
const (
	DefaultShards       = 4
	DefaultBalancerPort = 7777
	DefaultMTU          = 1500
	DefaultObfsKey      = "zivpn"
	DefaultTunName      = "shardvpn0"
	// DefaultInterfaceAddr is the local address of the virtual interface.
	DefaultInterfaceAddr = "26.26.26.1/24"
	// DefaultShimAddr is the address the stack shim answers on inside the tunnel.
	DefaultShimAddr    = "26.26.26.2"
	DefaultShimNetmask = "255.255.255.0"
	DefaultShimLogLvl  = 3
	// HandoffSentinel is the payload byte sent alongside the descriptor.
	HandoffSentinel byte = 42
)

// Default worker binary names. On disk they are lib<name>.so in the
// install directory.
const (
	TunnelClientBinary = "uz"
	BalancerBinary     = "load"
	StackShimBinary    = "tun2socks"
)
