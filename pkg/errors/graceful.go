// Package errors reports startup failures of the gateway and carries the
// resulting exit code back to main.
package errors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/retrogate/retrogate/logger"
)

// GracefulError names the startup step that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler collects fatal startup errors. Only the first exit code is
// kept; later reports are logged and dropped.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.signal(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(2)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(2)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// WaitForExitWithTimeout reports whether an exit code arrived in time.
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Shutdown logs whether the stop was requested or unexpected.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
