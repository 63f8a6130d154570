//go:build !unix

package vpn

import (
	"os"

	"github.com/yllada/shardvpn/common"
)

func sendDescriptor(*os.File, string) error {
	return common.ErrUnsupportedPlatform
}
