// Package vpn provides tunnel session management for shardvpn.
//
// A session is made of independent worker processes:
//
//   - N tunnel clients (shards), each dialing its own remote port range and
//     exposing a local SOCKS5 port
//   - one balancer spreading connections across the shard ports
//   - one stack shim turning packets from the virtual interface into
//     connections to the balancer
//
// # Architecture
//
// The package is organized around these types:
//
//   - Controller: drives one session through its start sequence and teardown
//   - Supervisor: launches workers, drains their output, stops them as a group
//   - TunInterface: creates the TUN device and installs the split routes
//   - Provisioner: copies packaged worker binaries into the work directory
//
// ExclusionRoutes computes the routes that send everything except the
// server through the interface, and Handoff passes the interface descriptor
// to the shim over a unix socket.
//
// # Start Sequence
//
//  1. Resolve the server host to an IPv4 address
//  2. Start the tunnel clients, then the balancer
//  3. Create the interface with the exclusion routes
//  4. Start the shim and hand it the interface descriptor
//
// Any failure tears down everything started so far. Once running, the first
// worker that exits ends the session.
//
// # Thread Safety
//
// Controller and Supervisor are safe for concurrent use. Start and Stop are
// expected from a single control goroutine; a concurrent Stop waits for the
// teardown already in progress.
package vpn
