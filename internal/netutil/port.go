// Package netutil binds the status API to the first usable address.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
)

// ErrNoBindAddr is returned when every candidate address is taken.
var ErrNoBindAddr = errors.New("no available api bind addresses")

// Listen opens a TCP listener on preferred, falling back to candidates in
// order when preferred is in use and autoFallback is set. Duplicate
// candidates are tried once. Errors other than "address in use" abort the
// search.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !inUse(err) {
			return nil, fmt.Errorf("listen %s: %w", preferred, err)
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s", preferred)
		}
		slog.Warn("bind address in use, trying fallbacks", "addr", preferred)
	}

	tried := map[string]bool{preferred: true}
	for _, addr := range candidates {
		if tried[addr] {
			continue
		}
		tried[addr] = true
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !inUse(err) {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	return nil, ErrNoBindAddr
}

func inUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
