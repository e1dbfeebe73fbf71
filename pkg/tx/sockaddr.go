package tx

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// resolveSockaddr mirrors pkg/rx's address handling: IPv4 peers are
// represented in mapped IPv6 form so the same AF_INET6 socket reaches
// either a classic IPv4 listener or a native IPv6 one.
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
