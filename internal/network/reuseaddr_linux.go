//go:build linux

package network

import (
	"net"
	"strings"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig for TCP listeners that
// sets SO_REUSEADDR, so a restarted server can rebind a port whose old
// connections are still in TIME_WAIT. UDP sockets are left untouched: there
// the option would let two live sockets share one port.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseTCPAddr}
}

func reuseTCPAddr(network, _ string, c syscall.RawConn) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
