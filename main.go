// Package main provides the entry point for shardvpn.
// shardvpn runs several obfuscated tunnel clients behind a local balancer and
// routes all system traffic through them via a virtual network interface.
//
// Usage:
//
//	shardvpn up --host vpn.example.com
//	shardvpn routes --exclude 203.0.113.7
//	shardvpn status
//
// Environment:
//
//	SHARDVPN_* variables override the configuration file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yllada/shardvpn/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	root := cli.NewRootCommand(cli.BuildInfo{
		Version:   appVersion,
		BuildTime: buildTime,
		Commit:    commitSHA,
	})
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
