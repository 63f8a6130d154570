package vpn

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/yllada/shardvpn/common"
)

// CidrRoute is one IPv4 block routed through the virtual interface.
type CidrRoute struct {
	Address   netip.Addr
	PrefixLen int
}

// Prefix returns the route as a netip.Prefix.
func (r CidrRoute) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Address, r.PrefixLen)
}

func (r CidrRoute) String() string {
	return r.Prefix().String()
}

// Contains reports whether addr falls inside the route.
func (r CidrRoute) Contains(addr netip.Addr) bool {
	return r.Prefix().Contains(addr.Unmap())
}

// Size is the number of addresses covered by the route.
func (r CidrRoute) Size() uint64 {
	return uint64(1) << (32 - r.PrefixLen)
}

// Netmask returns the dotted-quad mask, e.g. 255.255.255.0 for a /24.
func (r CidrRoute) Netmask() string {
	return net.IP(net.CIDRMask(r.PrefixLen, 32)).String()
}

// ExclusionRoutes returns the set of CIDR blocks that together cover the whole
// IPv4 space except the single excluded address. The result always holds
// exactly 32 routes, ordered from the low half of the space to the high half.
func ExclusionRoutes(excluded netip.Addr) ([]CidrRoute, error) {
	excluded = excluded.Unmap()
	if !excluded.Is4() {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidAddress, excluded)
	}
	return ExclusionRoutesFor(netip.PrefixFrom(excluded, 32))
}

// ExclusionRoutesFor is ExclusionRoutes for several excluded blocks at once.
// A block is emitted when it overlaps none of the exclusions, dropped when an
// exclusion covers it and split in half otherwise.
func ExclusionRoutesFor(excluded ...netip.Prefix) ([]CidrRoute, error) {
	spans := make([]span, 0, len(excluded))
	for _, p := range excluded {
		addr := p.Addr().Unmap()
		if !p.IsValid() || !addr.Is4() {
			return nil, fmt.Errorf("%w: %s", common.ErrInvalidAddress, p)
		}
		bits := p.Bits()
		if p.Addr().Is4In6() {
			bits -= 96
		}
		if bits < 0 || bits > 32 {
			return nil, fmt.Errorf("%w: %s", common.ErrInvalidAddress, p)
		}
		p = netip.PrefixFrom(addr, bits).Masked()
		first := addrToUint(p.Addr())
		spans = append(spans, span{first: first, last: first + (uint64(1) << (32 - bits)) - 1})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].first < spans[j].first })

	routes := make([]CidrRoute, 0, 32*len(spans)+1)
	subdivide(&routes, 0, 0, spans)
	return routes, nil
}

type span struct {
	first, last uint64
}

func subdivide(routes *[]CidrRoute, base uint64, prefixLen int, spans []span) {
	size := uint64(1) << (32 - prefixLen)
	last := base + size - 1

	overlapping := spans[:0:0]
	for _, s := range spans {
		if s.last < base || s.first > last {
			continue
		}
		if s.first <= base && s.last >= last {
			return
		}
		overlapping = append(overlapping, s)
	}
	if len(overlapping) == 0 {
		*routes = append(*routes, CidrRoute{Address: uintToAddr(base), PrefixLen: prefixLen})
		return
	}

	half := size >> 1
	subdivide(routes, base, prefixLen+1, overlapping)
	subdivide(routes, base+half, prefixLen+1, overlapping)
}

func addrToUint(a netip.Addr) uint64 {
	b := a.As4()
	return uint64(binary.BigEndian.Uint32(b[:]))
}

func uintToAddr(v uint64) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return netip.AddrFrom4(b)
}

// ParseRoute accepts either a bare IPv4 address or a CIDR block and returns
// the normalized network prefix. A bare address becomes a /32 and host bits
// are masked off, so "10.0.0.5/24" yields 10.0.0.0/24.
func ParseRoute(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Prefix{}, fmt.Errorf("%w: empty route", common.ErrInvalidAddress)
	}

	if !strings.Contains(raw, "/") {
		addr, err := netip.ParseAddr(raw)
		if err != nil || !addr.Unmap().Is4() {
			return netip.Prefix{}, fmt.Errorf("%w: %q", common.ErrInvalidAddress, raw)
		}
		return netip.PrefixFrom(addr.Unmap(), 32), nil
	}

	prefix, err := netip.ParsePrefix(raw)
	if err != nil || !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %q", common.ErrInvalidAddress, raw)
	}
	return prefix.Masked(), nil
}
