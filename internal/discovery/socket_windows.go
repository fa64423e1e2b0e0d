//go:build windows

package discovery

import (
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// bindAddress binds to the unspecified address: Windows does not allow
// binding a socket to a multicast address.
func bindAddress(_ netip.Addr, port uint16) string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(int(port)))
}

// reuseControl sets SO_REUSEADDR. Windows has no SO_REUSEPORT.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
