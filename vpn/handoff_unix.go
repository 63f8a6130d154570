//go:build unix

package vpn

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/yllada/shardvpn/common"
)

// sendDescriptor connects, sends the sentinel with the descriptor attached,
// half-closes and disconnects. The connection is closed on every path.
func sendDescriptor(descriptor *os.File, socketPath string) error {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return err
	}
	if err := writeDescriptor(conn, descriptor); err != nil {
		conn.Close()
		return err
	}
	return conn.Close()
}

func writeDescriptor(conn *net.UnixConn, descriptor *os.File) error {
	rights := unix.UnixRights(int(descriptor.Fd()))
	n, oobn, err := conn.WriteMsgUnix([]byte{common.HandoffSentinel}, rights, nil)
	if err != nil {
		return err
	}
	if n != 1 || oobn != len(rights) {
		return fmt.Errorf("short write: %d/%d bytes, %d/%d control bytes", n, 1, oobn, len(rights))
	}
	return conn.CloseWrite()
}
