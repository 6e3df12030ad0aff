package net

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// InetAddress is an immutable IPv4/IPv6 endpoint, fishnet's value-type
// replacement for sockaddr_in/sockaddr_in6 (spec.md §3,
// fishnet/net/inet_address.h). It holds a net.IP slice, so values are
// not comparable with ==.
type InetAddress struct {
	ip   net.IP
	port uint16
	zone string // IPv6 scope id (interface name), set via SetScopeID
}

// NewInetAddress builds a listening endpoint for port. loopbackOnly
// restricts it to 127.0.0.1/::1 instead of the wildcard address; ipv6
// selects the address family.
func NewInetAddress(port uint16, loopbackOnly, ipv6 bool) InetAddress {
	if ipv6 {
		if loopbackOnly {
			return InetAddress{ip: net.IPv6loopback, port: port}
		}
		return InetAddress{ip: net.IPv6zero, port: port}
	}
	if loopbackOnly {
		return InetAddress{ip: net.IPv4(127, 0, 0, 1), port: port}
	}
	return InetAddress{ip: net.IPv4zero, port: port}
}

// NewInetAddressHostPort parses a dotted-quad or IPv6 literal plus a
// port. It does not perform DNS resolution; use ResolveHost for that.
func NewInetAddressHostPort(ip string, port uint16) (InetAddress, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return InetAddress{}, fmt.Errorf("fishnet: invalid IP address %q", ip)
	}
	return InetAddress{ip: parsed, port: port}, nil
}

// ResolveHost resolves hostname to an InetAddress, leaving port at zero
// for the caller to fill in. Thread safe: net.LookupHost is.
func ResolveHost(hostname string) (InetAddress, error) {
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return InetAddress{}, fmt.Errorf("fishnet: resolve %q: %w", hostname, err)
	}
	ip := net.ParseIP(addrs[0])
	if ip == nil {
		return InetAddress{}, fmt.Errorf("fishnet: resolve %q: bad address %q", hostname, addrs[0])
	}
	return InetAddress{ip: ip}, nil
}

// Family returns unix.AF_INET or unix.AF_INET6.
func (a InetAddress) Family() int {
	if a.ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// IP returns the address's IP component.
func (a InetAddress) IP() net.IP { return a.ip }

// Port returns the address's port component.
func (a InetAddress) Port() uint16 { return a.port }

// ToIP renders just the IP, as fishnet's InetAddress::toIp.
func (a InetAddress) ToIP() string { return a.ip.String() }

// ToIPPort renders "ip:port" ("[ip]:port" for IPv6), as fishnet's
// InetAddress::toIpPort.
func (a InetAddress) ToIPPort() string {
	return net.JoinHostPort(a.ip.String(), fmt.Sprint(a.port))
}

func (a InetAddress) String() string { return a.ToIPPort() }

// SetScopeID attaches an IPv6 zone (an interface name) to the address,
// fishnet's InetAddress::setScopeId — meaningless for link-local
// addresses without it and ignored for IPv4. A zone that does not name
// an existing interface is dropped when the address is converted for
// bind/connect.
func (a InetAddress) SetScopeID(zone string) InetAddress {
	a.zone = zone
	return a
}

// sockaddr converts to the unix.Sockaddr form bind/connect need.
func (a InetAddress) sockaddr() (unix.Sockaddr, error) {
	if v4 := a.ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: int(a.port)}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	v6 := a.ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("fishnet: InetAddress has no IP set")
	}
	sa := &unix.SockaddrInet6{Port: int(a.port)}
	copy(sa.Addr[:], v6)
	if a.zone != "" {
		if iface, err := net.InterfaceByName(a.zone); err == nil {
			sa.ZoneId = uint32(iface.Index)
		}
	}
	return sa, nil
}

// inetAddressFromSockaddr converts a unix.Sockaddr (as returned by
// accept4/getsockname/getpeername) back into an InetAddress.
func inetAddressFromSockaddr(sa unix.Sockaddr) (InetAddress, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3])
		return InetAddress{ip: ip, port: uint16(v.Port)}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		addr := InetAddress{ip: ip, port: uint16(v.Port)}
		if v.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				addr.zone = iface.Name
			}
		}
		return addr, nil
	default:
		return InetAddress{}, fmt.Errorf("fishnet: unsupported sockaddr type %T", sa)
	}
}

func localAddrOf(fd int) InetAddress {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return InetAddress{}
	}
	addr, err := inetAddressFromSockaddr(sa)
	if err != nil {
		return InetAddress{}
	}
	return addr
}

func peerAddrOf(fd int) InetAddress {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return InetAddress{}
	}
	addr, err := inetAddressFromSockaddr(sa)
	if err != nil {
		return InetAddress{}
	}
	return addr
}
