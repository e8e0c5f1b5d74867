package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsConnectionError reports whether err is an ordinary client-side ending
// (reset, broken pipe, EOF, a plaintext client on a TLS port) rather than a
// server problem. Such errors are logged at debug level.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
