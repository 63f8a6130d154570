// Package config provides configuration management for shardvpn.
// It handles loading, saving, and overriding application settings and
// derives the immutable per-session configuration from them.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/yllada/shardvpn/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// Server holds the default target and the shard layout.
	Server ServerConfig `yaml:"server"`
	// Interface describes the virtual network interface.
	Interface InterfaceConfig `yaml:"interface"`
	// Binaries locates the worker executables.
	Binaries BinariesConfig `yaml:"binaries"`
	// Handoff bounds the descriptor hand-off retry loop.
	Handoff HandoffConfig `yaml:"handoff"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// ServerConfig describes the remote end and how traffic is sharded over it.
type ServerConfig struct {
	Host    string `yaml:"host"`
	ObfsKey string `yaml:"obfs"`
	// PortRanges are the remote port ranges, one per shard.
	PortRanges []string `yaml:"port_ranges"`
	// LocalPorts are the local proxy ports, one per shard.
	LocalPorts   []int `yaml:"local_ports"`
	BalancerPort int   `yaml:"balancer_port"`
	// RecvWindowConn and RecvWindow tune the tunnel client receive windows.
	RecvWindowConn int  `yaml:"recv_window_conn"`
	RecvWindow     int  `yaml:"recv_window"`
	Insecure       bool `yaml:"insecure"`
	// Bypass lists extra hosts that must stay off the tunnel.
	Bypass []string `yaml:"bypass,omitempty"`
}

// InterfaceConfig describes the virtual interface and the shim's view of it.
type InterfaceConfig struct {
	Name        string   `yaml:"name"`
	Address     string   `yaml:"address"`
	ShimAddress string   `yaml:"shim_address"`
	ShimNetmask string   `yaml:"shim_netmask"`
	DNS         []string `yaml:"dns"`
	MTU         int      `yaml:"mtu"`
	ShimLogLvl  int      `yaml:"shim_log_level"`
}

// BinariesConfig locates the worker executables. An explicit path wins;
// otherwise lib<name>.so is copied from InstallDir into WorkDir.
type BinariesConfig struct {
	InstallDir   string `yaml:"install_dir"`
	WorkDir      string `yaml:"work_dir"`
	TunnelClient string `yaml:"tunnel_client,omitempty"`
	Balancer     string `yaml:"balancer,omitempty"`
	StackShim    string `yaml:"stack_shim,omitempty"`
}

// HandoffConfig bounds the hand-off of the interface descriptor.
type HandoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// envOverrides are read from SHARDVPN_* environment variables and win over
// the file.
type envOverrides struct {
	Host       string `envconfig:"HOST"`
	ObfsKey    string `envconfig:"OBFS"`
	InstallDir string `envconfig:"INSTALL_DIR"`
	WorkDir    string `envconfig:"WORK_DIR"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	TunName    string `envconfig:"TUN_NAME"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ObfsKey:        common.DefaultObfsKey,
			PortRanges:     []string{"6000-7750", "7751-9500", "9501-11250", "11251-13000"},
			LocalPorts:     []int{1080, 1081, 1082, 1083},
			BalancerPort:   common.DefaultBalancerPort,
			RecvWindowConn: 131072,
			RecvWindow:     327680,
			Insecure:       true,
		},
		Interface: InterfaceConfig{
			Name:        common.DefaultTunName,
			Address:     common.DefaultInterfaceAddr,
			ShimAddress: common.DefaultShimAddr,
			ShimNetmask: common.DefaultShimNetmask,
			DNS:         []string{"8.8.8.8", "1.1.1.1"},
			MTU:         common.DefaultMTU,
			ShimLogLvl:  common.DefaultShimLogLvl,
		},
		Binaries: BinariesConfig{
			InstallDir: "/usr/lib/shardvpn",
		},
		Handoff: HandoffConfig{
			InitialDelay: common.HandoffInitialDelay,
			RetryDelay:   common.HandoffRetryDelay,
			PollInterval: common.HandoffPollInterval,
			MaxAttempts:  common.HandoffMaxAttempts,
		},
		LogLevel: "info",
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile loads the configuration at path, writing defaults there when the
// file is missing, then applies environment overrides.
func LoadFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	file, err := os.Open(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.SaveFile(configPath); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	default:
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true) // Strict validation: reject unknown fields
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: parsing %s: %v", common.ErrConfigLoad, configPath, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(common.EnvPrefix, &env); err != nil {
		return fmt.Errorf("%w: environment: %v", common.ErrConfigLoad, err)
	}
	if env.Host != "" {
		c.Server.Host = env.Host
	}
	if env.ObfsKey != "" {
		c.Server.ObfsKey = env.ObfsKey
	}
	if env.InstallDir != "" {
		c.Binaries.InstallDir = env.InstallDir
	}
	if env.WorkDir != "" {
		c.Binaries.WorkDir = env.WorkDir
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.TunName != "" {
		c.Interface.Name = env.TunName
	}
	return nil
}

// Validate checks that the shard layout and interface settings are usable.
func (c *Config) Validate() error {
	s := c.Server
	if len(s.LocalPorts) == 0 {
		return fmt.Errorf("%w: at least one shard is required", common.ErrInvalidConfig)
	}
	if len(s.LocalPorts) != len(s.PortRanges) {
		return fmt.Errorf("%w: %d local ports but %d port ranges",
			common.ErrInvalidConfig, len(s.LocalPorts), len(s.PortRanges))
	}
	seen := make(map[int]bool, len(s.LocalPorts)+1)
	for _, p := range append([]int{s.BalancerPort}, s.LocalPorts...) {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: port %d out of range", common.ErrInvalidConfig, p)
		}
		if seen[p] {
			return fmt.Errorf("%w: port %d used twice", common.ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	for _, r := range s.PortRanges {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: empty port range", common.ErrInvalidConfig)
		}
	}

	prefix, err := netip.ParsePrefix(c.Interface.Address)
	if err != nil || !prefix.Addr().Is4() {
		return fmt.Errorf("%w: interface address %q", common.ErrInvalidConfig, c.Interface.Address)
	}
	for _, d := range c.Interface.DNS {
		if _, err := netip.ParseAddr(d); err != nil {
			return fmt.Errorf("%w: dns server %q", common.ErrInvalidConfig, d)
		}
	}
	if c.Interface.MTU < 576 || c.Interface.MTU > 65535 {
		return fmt.Errorf("%w: mtu %d", common.ErrInvalidConfig, c.Interface.MTU)
	}
	if c.Handoff.MaxAttempts <= 0 {
		return fmt.Errorf("%w: handoff.max_attempts must be positive", common.ErrInvalidConfig)
	}
	if _, ok := common.ParseLogLevel(c.LogLevel); !ok {
		c.LogLevel = "info" // Fallback to default
	}
	return nil
}

// SaveFile writes the configuration to configPath.
func (c *Config) SaveFile(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: serializing: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return nil
}

// DefaultPath returns ~/.config/shardvpn/config.yaml, creating the directory.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
