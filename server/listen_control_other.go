//go:build !(linux || freebsd || darwin || openbsd || netbsd || dragonfly)

package server

import (
	"context"
	"net"
)

func listenTCP(ctx context.Context, network, address string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}
