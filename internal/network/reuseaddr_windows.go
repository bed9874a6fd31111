//go:build windows

package network

import (
	"net"
	"strings"
	"syscall"
)

// ReuseAddrListenConfig returns a net.ListenConfig for TCP listeners that
// sets SO_REUSEADDR. UDP sockets are left untouched.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseTCPAddr}
}

func reuseTCPAddr(network, _ string, c syscall.RawConn) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
