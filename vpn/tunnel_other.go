//go:build !linux

package vpn

import (
	"os"

	"github.com/yllada/shardvpn/common"
)

// Establish is only implemented on Linux.
func (t *TunInterface) Establish(InterfaceConfig) (*os.File, error) {
	return nil, &common.InterfaceError{Step: "create", Err: common.ErrUnsupportedPlatform}
}
