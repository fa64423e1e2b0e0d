//go:build !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !windows

package discovery

import (
	"net/netip"
	"syscall"
)

func bindAddress(_ netip.Addr, _ uint16) string { return "" }

func reuseControl(_, _ string, _ syscall.RawConn) error { return ErrNotSupported }
