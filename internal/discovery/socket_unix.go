//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package discovery

import (
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindAddress binds to the group itself so the kernel filters out unrelated
// traffic on the port.
func bindAddress(group netip.Addr, port uint16) string {
	return net.JoinHostPort(group.String(), strconv.Itoa(int(port)))
}

func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}
