//go:build linux

package vpn

import (
	"net/netip"
	"syscall"

	"github.com/godbus/dbus/v5"
)

const (
	resolvedDest    = "org.freedesktop.resolve1"
	resolvedPath    = dbus.ObjectPath("/org/freedesktop/resolve1")
	resolvedManager = "org.freedesktop.resolve1.Manager"
)

// resolvedDNS matches the a(iay) argument of SetLinkDNS.
type resolvedDNS struct {
	Family  int32
	Address []byte
}

// resolvedDomain matches the a(sb) argument of SetLinkDomains.
type resolvedDomain struct {
	Domain      string
	RoutingOnly bool
}

// setLinkDNS points systemd-resolved at servers for the link and makes the
// link the route for every domain ("~."). The returned func undoes it.
func setLinkDNS(ifindex int, servers []netip.Addr) (func() error, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(resolvedDest, resolvedPath)

	entries := make([]resolvedDNS, 0, len(servers))
	for _, s := range servers {
		family := int32(syscall.AF_INET)
		if !s.Unmap().Is4() {
			family = syscall.AF_INET6
		}
		entries = append(entries, resolvedDNS{Family: family, Address: s.Unmap().AsSlice()})
	}

	if err := obj.Call(resolvedManager+".SetLinkDNS", 0, int32(ifindex), entries).Err; err != nil {
		conn.Close()
		return nil, err
	}
	domains := []resolvedDomain{{Domain: ".", RoutingOnly: true}}
	if err := obj.Call(resolvedManager+".SetLinkDomains", 0, int32(ifindex), domains).Err; err != nil {
		obj.Call(resolvedManager+".RevertLink", 0, int32(ifindex))
		conn.Close()
		return nil, err
	}

	return func() error {
		defer conn.Close()
		return obj.Call(resolvedManager+".RevertLink", 0, int32(ifindex)).Err
	}, nil
}
