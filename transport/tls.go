package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTLSUnavailable is returned by the NoTLS backend.
var ErrTLSUnavailable = errors.New("transport: tls is not available")

// TLSBackend wraps a transport in a TLS session. Client and Server perform
// the handshake before returning, honoring ctx for cancellation.
type TLSBackend interface {
	Name() string
	Client(ctx context.Context, t Transport, cfg *tls.Config, serverName string) (Transport, error)
	Server(ctx context.Context, t Transport, cfg *tls.Config) (Transport, error)
}

// StdTLS is the crypto/tls backend.
type StdTLS struct{}

func (StdTLS) Name() string { return "std" }

func (StdTLS) Client(ctx context.Context, t Transport, cfg *tls.Config, serverName string) (Transport, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" || len(cfg.NextProtos) == 0 {
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = serverName
		}
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"http/1.1"}
		}
	}
	tc := tls.Client(t, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
	}
	return Box(tc), nil
}

func (StdTLS) Server(ctx context.Context, t Transport, cfg *tls.Config) (Transport, error) {
	if cfg == nil {
		return nil, errors.New("transport: tls server requires a config")
	}
	tc := tls.Server(t, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return Box(tc), nil
}

// NoTLS refuses every handshake. It lets a build run plain-text only.
type NoTLS struct{}

func (NoTLS) Name() string { return "none" }

func (NoTLS) Client(context.Context, Transport, *tls.Config, string) (Transport, error) {
	return nil, ErrTLSUnavailable
}

func (NoTLS) Server(context.Context, Transport, *tls.Config) (Transport, error) {
	return nil, ErrTLSUnavailable
}

var backends = struct {
	sync.RWMutex
	m map[string]TLSBackend
}{m: map[string]TLSBackend{
	"std":  StdTLS{},
	"none": NoTLS{},
}}

// RegisterTLSBackend makes b available to LookupTLSBackend under b.Name().
func RegisterTLSBackend(b TLSBackend) {
	backends.Lock()
	defer backends.Unlock()
	backends.m[b.Name()] = b
}

// LookupTLSBackend returns the backend registered under name. An empty
// name selects "std".
func LookupTLSBackend(name string) (TLSBackend, error) {
	if name == "" {
		name = "std"
	}
	backends.RLock()
	defer backends.RUnlock()
	b, ok := backends.m[name]
	if !ok {
		return nil, fmt.Errorf("transport: unknown tls backend %q", name)
	}
	return b, nil
}

// TLSBackends lists registered backend names in sorted order.
func TLSBackends() []string {
	backends.RLock()
	defer backends.RUnlock()
	names := make([]string, 0, len(backends.m))
	for name := range backends.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadTLSConfig builds a server config from a PEM certificate and key.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
