package main

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/server"
	"github.com/retrogate/retrogate/server/httpapi"
	"github.com/retrogate/retrogate/server/pop3"
	"github.com/retrogate/retrogate/server/socks"
)

// startServers starts one goroutine per [[server]] entry. Bind and serve
// failures arrive on the returned channel.
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	servers := deps.config.GetAllServers()
	errChan := make(chan error, len(servers))

	for _, sc := range servers {
		switch sc.Type {
		case config.ServerTypeHTTP:
			startHTTPServer(ctx, deps, sc, errChan)
		default:
			if err := startListener(ctx, deps, sc, errChan); err != nil {
				errChan <- err
			}
		}
	}
	return errChan
}

func handlerFor(deps *serverDependencies, sc config.ServerConfig) (server.Handler, error) {
	switch sc.Type {
	case config.ServerTypePOP3:
		if deps.database == nil {
			return nil, fmt.Errorf("server %s: pop3 requires a database", sc.Name)
		}
		store := &mailStore{db: deps.database}
		return pop3.New(deps.config.POP3.Hostname, store, store)
	case config.ServerTypeTunnel:
		if deps.tunnel == nil {
			return nil, fmt.Errorf("server %s: tunnel is not initialized", sc.Name)
		}
		return deps.tunnel, nil
	case config.ServerTypeSOCKS:
		return socks.New(), nil
	default:
		return nil, fmt.Errorf("server %s: unsupported type %q", sc.Name, sc.Type)
	}
}

func startListener(ctx context.Context, deps *serverDependencies, sc config.ServerConfig, errChan chan error) error {
	handler, err := handlerFor(deps, sc)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if sc.TLS {
		tlsConfig, err = deps.tlsManager.ServerTLSConfig(sc)
		if err != nil {
			return fmt.Errorf("server %s: %w", sc.Name, err)
		}
	}

	lc, err := server.ListenerConfigFrom(sc, tlsConfig)
	if err != nil {
		return err
	}
	l, err := server.NewListener(ctx, sc.Name, lc, handler)
	if err != nil {
		return err
	}
	deps.addListener(l)

	deps.serverManager.Go(func() {
		l.Start(errChan)
	})
	deps.serverManager.Go(func() {
		<-ctx.Done()
		if err := l.Close(); err != nil {
			logger.Warn("Failed to close listener", "name", sc.Name, "error", err)
		}
	})
	logger.Info("Server started", "name", sc.Name, "type", sc.Type, "addr", sc.Addr, "tls", sc.TLS)
	return nil
}

func startHTTPServer(ctx context.Context, deps *serverDependencies, sc config.ServerConfig, errChan chan error) {
	api := httpapi.New(httpapi.Options{
		Name:      sc.Name,
		Addr:      sc.Addr,
		APIKey:    sc.APIKey,
		Responses: deps.responses,
		Tunnel:    deps.tunnel,
		TunnelTTL: deps.config.Cache.GetTunnelTTL(),
		Health:    deps.health,
		Listeners: deps.listenerInfo,
		Wrap:      deps.tlsManager.HTTPHandler,
	})
	deps.serverManager.Go(func() {
		api.Start(ctx, errChan)
	})
}
