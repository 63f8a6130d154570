//go:build linux

package vpn

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/yllada/shardvpn/common"
)

// Establish creates the TUN device, assigns its address and MTU, brings it up
// and installs every route on it. DNS is pushed to systemd-resolved; failing
// to do so is logged and otherwise ignored.
func (t *TunInterface) Establish(cfg InterfaceConfig) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return nil, &common.InterfaceError{Step: "create", Err: errors.New("already established")}
	}
	local := cfg.Local.Addr().Unmap()
	if !cfg.Local.IsValid() || !local.Is4() {
		return nil, &common.InterfaceError{Step: "address", Err: fmt.Errorf("%w: %s", common.ErrInvalidAddress, cfg.Local)}
	}

	dev, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		if os.Geteuid() != 0 {
			err = errors.Join(err, common.ErrRootRequired)
		}
		return nil, &common.InterfaceError{Step: "create", Err: err}
	}
	file, ok := dev.ReadWriteCloser.(*os.File)
	if !ok {
		dev.Close()
		return nil, &common.InterfaceError{Step: "create", Err: errors.New("device is not backed by a file")}
	}

	fail := func(step string, err error) (*os.File, error) {
		dev.Close()
		return nil, &common.InterfaceError{Step: step, Err: err}
	}

	link, err := netlink.LinkByName(dev.Name())
	if err != nil {
		return fail("lookup", err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fail("mtu", err)
		}
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(local.AsSlice()),
		Mask: net.CIDRMask(cfg.Local.Bits(), 32),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fail("address", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fail("up", err)
	}

	index := link.Attrs().Index
	for _, r := range cfg.Routes {
		dst := &net.IPNet{
			IP:   net.IP(r.Address.AsSlice()),
			Mask: net.CIDRMask(r.PrefixLen, 32),
		}
		if err := netlink.RouteReplace(&netlink.Route{LinkIndex: index, Dst: dst}); err != nil {
			return fail("route "+r.String(), err)
		}
	}

	if len(cfg.DNS) > 0 {
		revert, err := setLinkDNS(index, cfg.DNS)
		if err != nil {
			common.LogWarn("Could not configure DNS on %s: %v", dev.Name(), err)
		} else {
			t.revert = revert
		}
	}

	t.dev = dev
	t.file = file
	t.name = dev.Name()
	common.LogInfo("Interface %s up at %s with %d routes", t.name, cfg.Local, len(cfg.Routes))
	return file, nil
}
