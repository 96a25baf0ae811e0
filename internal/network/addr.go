package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Address schemes. The 0.7 scheme carries the extended-handshake flag.
const (
	SchemeLegacy   = "tw-0.6+udp://"
	SchemeExtended = "tw-0.7+udp://"
)

// Addr is an upstream or listen address together with its protocol flag.
type Addr struct {
	Host     string
	Port     int
	Extended bool
}

// ParseAddr parses "host:port", "tw-0.6+udp://host:port" or
// "tw-0.7+udp://host:port".
func ParseAddr(s string) (Addr, error) {
	var a Addr
	rest := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(rest, SchemeExtended):
		a.Extended = true
		rest = strings.TrimPrefix(rest, SchemeExtended)
	case strings.HasPrefix(rest, SchemeLegacy):
		rest = strings.TrimPrefix(rest, SchemeLegacy)
	case strings.Contains(rest, "://"):
		return Addr{}, fmt.Errorf("unsupported address scheme in %q", s)
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Addr{}, fmt.Errorf("invalid port in address %q", s)
	}

	a.Host = host
	a.Port = port
	return a, nil
}

// Variant returns the handshake variant selected by the address flag.
func (a Addr) Variant() Variant {
	if a.Extended {
		return VariantExtended
	}
	return VariantLegacy
}

// HostPort returns "host:port" without scheme.
func (a Addr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String returns the address with its scheme.
func (a Addr) String() string {
	if a.Extended {
		return SchemeExtended + a.HostPort()
	}
	return SchemeLegacy + a.HostPort()
}

// Resolve returns the UDP addresses of the host. With all=false only the
// first address is returned.
func (a Addr) Resolve(ctx context.Context, all bool) ([]*net.UDPAddr, error) {
	if ip := net.ParseIP(a.Host); ip != nil {
		return []*net.UDPAddr{{IP: ip, Port: a.Port}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, a.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", a.Host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", a.Host)
	}

	var out []*net.UDPAddr
	for _, ip := range ips {
		out = append(out, &net.UDPAddr{IP: ip.IP, Port: a.Port, Zone: ip.Zone})
		if !all {
			break
		}
	}
	return out, nil
}
