//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain net.ListenConfig.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
