package vpn

import (
	"fmt"
	"net/netip"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// tunnelClientConfig is the JSON document a tunnel client reads from --config.
type tunnelClientConfig struct {
	Server         string       `json:"server"`
	Obfs           string       `json:"obfs"`
	Auth           string       `json:"auth"`
	Socks5         socks5Listen `json:"socks5"`
	Insecure       bool         `json:"insecure"`
	RecvWindowConn int          `json:"recvwindowconn"`
	RecvWindow     int          `json:"recvwindow"`
}

type socks5Listen struct {
	Listen string `json:"listen"`
}

func loopback(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}

// tunnelClientCommand builds the command line of shard i. Every shard shares
// the server, credential and obfuscation key and differs in its remote port
// range and local proxy port.
func tunnelClientCommand(bin string, server netip.Addr, shard Shard, cfg SessionConfig) ([]string, error) {
	doc := tunnelClientConfig{
		Server:         server.String() + ":" + shard.PortRange,
		Obfs:           cfg.ObfsKey,
		Auth:           cfg.Credential,
		Socks5:         socks5Listen{Listen: loopback(shard.LocalPort)},
		Insecure:       cfg.Insecure,
		RecvWindowConn: cfg.RecvWindowConn,
		RecvWindow:     cfg.RecvWindow,
	}
	data, err := jsoniter.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("jsoniter.Marshal: %w", err)
	}
	return []string{bin, "-s", cfg.ObfsKey, "--config", string(data)}, nil
}

// balancerCommand builds the balancer command line: listen on the balancer
// port and spread over every shard's local proxy port.
func balancerCommand(bin string, cfg SessionConfig) []string {
	argv := []string{bin, "-lport", strconv.Itoa(cfg.BalancerPort), "-tunnel"}
	for _, s := range cfg.Shards {
		argv = append(argv, loopback(s.LocalPort))
	}
	return argv
}

// stackShimCommand builds the shim command line. fd is the descriptor number
// as seen by this process; the shim receives its own copy over socketPath.
func stackShimCommand(bin string, cfg SessionConfig, fd int, socketPath string) []string {
	proxy := loopback(cfg.BalancerPort)
	return []string{
		bin,
		"--netif-ipaddr", cfg.ShimAddr,
		"--netif-netmask", cfg.ShimNetmask,
		"--socks-server-addr", proxy,
		"--tunmtu", strconv.Itoa(cfg.MTU),
		"--tunfd", strconv.Itoa(fd),
		"--sock", socketPath,
		"--loglevel", strconv.Itoa(cfg.ShimLogLevel),
		"--udpgw-transparent-dns",
		"--udpgw-remote-server-addr", proxy,
	}
}
