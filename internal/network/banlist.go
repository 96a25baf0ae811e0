package network

import (
	"fmt"
	"net"
	"strings"
)

// BanList is a static list of banned addresses and networks consulted by
// the listener before a slot is handed out.
type BanList struct {
	nets []*net.IPNet
}

// NewBanList parses entries given as single IPs or CIDR blocks.
func NewBanList(entries []string) (*BanList, error) {
	bl := &BanList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid ban entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid ban entry %q: %w", e, err)
		}
		bl.nets = append(bl.nets, cidr)
	}
	return bl, nil
}

// IsBanned reports whether ip falls into a banned network.
func (bl *BanList) IsBanned(ip net.IP) bool {
	if bl == nil {
		return false
	}
	for _, n := range bl.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (bl *BanList) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.nets)
}
