package vpn

import (
	"errors"
	"io"
	"net/netip"
	"os"
	"sync"

	"github.com/yllada/shardvpn/common"
)

// InterfaceConfig describes the virtual interface to create.
type InterfaceConfig struct {
	Name string
	// Local is the interface address and its prefix length.
	Local  netip.Prefix
	DNS    []netip.Addr
	MTU    int
	Routes []CidrRoute
}

// TunnelDevice creates the virtual interface and hands out its descriptor.
type TunnelDevice interface {
	Establish(cfg InterfaceConfig) (*os.File, error)
	Descriptor() *os.File
	Close() error
}

// TunInterface is the TunnelDevice backed by the kernel TUN driver.
type TunInterface struct {
	mu     sync.Mutex
	name   string
	dev    io.Closer
	file   *os.File
	revert func() error
}

// NewTunInterface returns an interface manager with nothing established.
func NewTunInterface() *TunInterface {
	return &TunInterface{}
}

// Name is the kernel name of the established interface.
func (t *TunInterface) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Descriptor returns the interface descriptor, or nil before Establish.
func (t *TunInterface) Descriptor() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file
}

// Close releases the descriptor and reverts DNS settings. It is safe to call
// more than once and on an interface that was never established.
func (t *TunInterface) Close() error {
	t.mu.Lock()
	dev, revert, name := t.dev, t.revert, t.name
	t.dev, t.file, t.revert = nil, nil, nil
	t.mu.Unlock()

	var errs []error
	if revert != nil {
		if err := revert(); err != nil {
			common.LogWarn("Reverting DNS on %s: %v", name, err)
		}
	}
	if dev != nil {
		if err := dev.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		common.LogInfo("Interface %s closed", name)
	}
	return errors.Join(errs...)
}
