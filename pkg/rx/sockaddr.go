package rx

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// resolveSockaddr parses "host:port" into a unix.Sockaddr. IPv4 addresses
// are represented in their IPv4-mapped IPv6 form and bound over AF_INET6,
// so the same code path handles classic IPv4 peers and native IPv6 peers
// uniformly, per §6's "auto-mapped into IPv6 form" wire note.
func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	var ip net.IP
	if host == "" {
		ip = net.IPv6unspecified
	} else {
		ip = net.ParseIP(host)
		if ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil || len(ips) == 0 {
				return nil, 0, fmt.Errorf("failed to resolve host %q: %w", host, err)
			}
			ip = ips[0]
		}
	}

	mapped := ip.To16()
	if mapped == nil {
		return nil, 0, fmt.Errorf("unrepresentable address %q", host)
	}

	var sa16 [16]byte
	copy(sa16[:], mapped)
	return &unix.SockaddrInet6{Port: port, Addr: sa16}, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet6:
		ip := net.IP(s.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(s.Port))
	case *unix.SockaddrInet4:
		ip := net.IP(s.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(s.Port))
	default:
		return "unknown"
	}
}
