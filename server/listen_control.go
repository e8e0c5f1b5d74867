//go:build linux || freebsd || darwin || openbsd || netbsd || dragonfly

package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenTCP binds with SO_REUSEADDR so a restarted gateway can rebind a
// port still holding TIME_WAIT sockets.
func listenTCP(ctx context.Context, network, address string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			if sockErr != nil {
				return fmt.Errorf("failed to set SO_REUSEADDR: %w", sockErr)
			}
			return nil
		},
	}
	return lc.Listen(ctx, network, address)
}
