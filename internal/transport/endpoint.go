// Package transport selects the stream transport the cache listens on and
// dials: TCP or a Unix-domain socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Supported networks.
const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

// ErrEmptyEndpoint is returned by ParseEndpoint for an empty address.
var ErrEmptyEndpoint = errors.New("transport: empty endpoint")

// Endpoint is a parsed listen/dial address.
type Endpoint struct {
	Network string
	Address string
}

// ParseEndpoint accepts "tcp://host:port", "unix:///path/to.sock" or a bare
// "host:port", which is treated as TCP.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Endpoint{}, ErrEmptyEndpoint
	case strings.HasPrefix(s, "tcp://"):
		addr := strings.TrimPrefix(s, "tcp://")
		if addr == "" {
			return Endpoint{}, fmt.Errorf("transport: %q has no address", s)
		}
		return Endpoint{Network: NetworkTCP, Address: addr}, nil
	case strings.HasPrefix(s, "unix://"):
		path := strings.TrimPrefix(s, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("transport: %q has no socket path", s)
		}
		return Endpoint{Network: NetworkUnix, Address: path}, nil
	case strings.Contains(s, "://"):
		return Endpoint{}, fmt.Errorf("transport: unsupported scheme in %q", s)
	default:
		return Endpoint{Network: NetworkTCP, Address: s}, nil
	}
}

// String renders e in the form ParseEndpoint accepts.
func (e Endpoint) String() string {
	return e.Network + "://" + e.Address
}

// Listen binds e. For Unix endpoints a stale socket file left by a previous
// process is removed first.
func (e Endpoint) Listen(ctx context.Context) (net.Listener, error) {
	if e.Network == NetworkUnix {
		if err := removeStaleSocket(e.Address); err != nil {
			return nil, err
		}
	}
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, e.Network, e.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", e, err)
	}
	return lis, nil
}

// Dial connects to e.
func (e Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, e.Network, e.Address)
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("transport: stat socket %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}
	return nil
}
