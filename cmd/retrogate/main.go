package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/retrogate/retrogate/config"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.toml"

// serverManager tracks running servers for coordinated shutdown.
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("retrogate version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retrogate: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			_ = logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "retrogate: error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer func() { _ = logger.Sync() }()
	}

	logger.Info("Retrogate starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.Close()

	startHealth(ctx, deps)
	startCleanup(ctx, deps)
	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for servers to stop")

		done := make(chan struct{})
		go func() {
			deps.serverManager.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(deps.shutdownTimeout()):
			logger.Warn("Server shutdown timeout reached", "timeout", deps.shutdownTimeout())
		}
	case err := <-errChan:
		cancel()
		errorHandler.FatalError("server operation", err)
		deps.serverManager.Wait()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig exits through errorHandler on any problem. A
// missing default config file is not an error.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Warn("Default configuration file not found, using defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	servers := cfg.GetAllServers()
	addresses := make(map[string]string)
	for _, s := range servers {
		if other, exists := addresses[s.Addr]; exists {
			errorHandler.ValidationError("server configuration", fmt.Errorf("servers %s and %s both bind %s", other, s.Name, s.Addr))
			os.Exit(errorHandler.WaitForExit())
		}
		addresses[s.Addr] = s.Name
	}
	if len(servers) == 0 {
		errorHandler.ValidationError("servers", fmt.Errorf("no servers configured, add at least one [[server]] entry"))
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Servers configured", "count", len(servers))
}
