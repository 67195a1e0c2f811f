// Package tlsproxy implements the public-facing HTTPS proxy engine: it
// accepts TCP connections, inspects the TLS ClientHello's SNI extension to
// pick a destination, and either forwards the raw encrypted stream or
// terminates TLS locally before forwarding the decrypted stream.
package tlsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/mapping"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/sni"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/telemetry"
)

// Config controls the proxy's listen address and the timeouts and
// concurrency cap applied to every connection.
type Config struct {
	ListenAddress string
	ListenPort    uint16

	TimeoutHandshake  time.Duration
	TimeoutConnect    time.Duration
	TimeoutConnection time.Duration
	TimeoutRW         time.Duration

	MaxConnections int64
}

// DefaultConfig returns the proxy's default tuning, matching the reference
// edge proxy this package is modeled on.
func DefaultConfig() Config {
	return Config{
		ListenAddress:     "0.0.0.0",
		ListenPort:        443,
		TimeoutHandshake:  time.Second,
		TimeoutConnect:    time.Second,
		TimeoutConnection: 45 * time.Second,
		TimeoutRW:         30 * time.Second,
		MaxConnections:    1024,
	}
}

// ServerTLSConfigProvider supplies the tls.Config used to terminate
// ModeTerminate connections, typically backed by internal/certresolver.
type ServerTLSConfigProvider interface {
	ServerTLSConfig() *tls.Config
}

// MappingHooks lets callers react to mappings being installed or removed,
// e.g. to start or stop a certificate provisioner for ModeTerminate
// mappings. Either field may be left nil.
type MappingHooks struct {
	OnAdd    func(m mapping.Mapping)
	OnRemove func(m mapping.Mapping)
}

// Proxy is the TLS-routing TCP proxy engine.
type Proxy struct {
	cfg      Config
	table    *mapping.Table
	tlsCfg   ServerTLSConfigProvider
	hooks    MappingHooks
	logger   *zap.Logger
	sem      *semaphore.Weighted
	listener net.Listener
}

// New creates a Proxy. tlsCfg may be nil if the proxy will only ever run in
// forward mode (no mapping ever uses ModeTerminate).
func New(cfg Config, tlsCfg ServerTLSConfigProvider, hooks MappingHooks, logger *zap.Logger) *Proxy {
	return &Proxy{
		cfg:    cfg,
		table:  mapping.NewTable(),
		tlsCfg: tlsCfg,
		hooks:  hooks,
		logger: logger.With(zap.String("component", "tlsproxy")),
		sem:    semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// Handle returns a handle for managing mappings, safe to share across
// goroutines and to retain after Run returns.
func (p *Proxy) Handle() *Handle {
	return &Handle{p: p}
}

// Run binds the listen address and serves connections until ctx is
// canceled or accepting fails fatally.
func (p *Proxy) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", p.cfg.ListenAddress, p.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("tlsproxy: failed to listen: %w", err)
	}
	p.listener = listener
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}

		conn, err := listener.Accept()
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		telemetry.ConnectionsActive.Inc()
		go func() {
			defer p.sem.Release(1)
			defer telemetry.ConnectionsActive.Dec()
			if err := p.handleConnectionWithTimeout(ctx, conn); err != nil {
				telemetry.ConnectionsTotal.WithLabelValues("error").Inc()
				p.logger.Warn("failed to handle connection", zap.Error(err))
				return
			}
			telemetry.ConnectionsTotal.WithLabelValues("closed").Inc()
		}()
	}
}

func (p *Proxy) handleConnectionWithTimeout(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutConnection)
	defer cancel()
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- p.handleConnection(ctx, conn) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("tlsproxy: max connection time limit reached")
	}
}

func (p *Proxy) handleConnection(ctx context.Context, conn net.Conn) error {
	helloCh := make(chan *sni.ClientHello, 1)
	errCh := make(chan error, 1)
	go func() {
		hello, err := sni.ReadClientHello(conn)
		if err != nil {
			errCh <- err
			return
		}
		helloCh <- hello
	}()

	var hello *sni.ClientHello
	select {
	case hello = <-helloCh:
	case err := <-errCh:
		return fmt.Errorf("tlsproxy: failed to parse TLS hello: %w", err)
	case <-time.After(p.cfg.TimeoutHandshake):
		return fmt.Errorf("tlsproxy: TLS handshake timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	m := p.table.Get(hello.SNI)
	if m == nil {
		return fmt.Errorf("tlsproxy: unknown host (%s)", hello.SNI)
	}

	switch m.Mode {
	case mapping.ModeForward:
		dst, err := p.connectToDestination(ctx, *m)
		if err != nil {
			return err
		}
		defer dst.Close()
		if _, err := dst.Write(hello.Raw); err != nil {
			return fmt.Errorf("tlsproxy: failed to replay hello to destination: %w", err)
		}
		return p.handleForwarding(conn, dst)

	case mapping.ModeTerminate:
		if p.tlsCfg == nil {
			return fmt.Errorf("tlsproxy: TLS termination requested but no certificate resolver configured")
		}
		replay := newReplayConn(conn, hello.Raw)
		tlsConn := tls.Server(replay, p.tlsCfg.ServerTLSConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tlsproxy: TLS handshake failed: %w", err)
		}
		defer tlsConn.Close()

		if tlsConn.ConnectionState().NegotiatedProtocol == "acme-tls/1" {
			// ACME TLS-ALPN-01 validation request; nothing more to do.
			return nil
		}

		dst, err := p.connectToDestination(ctx, *m)
		if err != nil {
			return err
		}
		defer dst.Close()
		return p.handleForwarding(tlsConn, dst)

	default:
		return fmt.Errorf("tlsproxy: unknown mapping mode")
	}
}

func (p *Proxy) connectToDestination(ctx context.Context, m mapping.Mapping) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutConnect)
	defer cancel()

	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", m.DstAddress, m.DstPort))
	if err != nil {
		return nil, fmt.Errorf("tlsproxy: failed to connect to destination (%s): %w", m.DstAddress, err)
	}
	return dst, nil
}

// handleForwarding copies bytes bidirectionally between a and b, resetting
// an idle read/write deadline on every operation so a stalled peer cannot
// hold the connection open indefinitely.
func (p *Proxy) handleForwarding(a, b net.Conn) error {
	errCh := make(chan error, 2)
	go func() { errCh <- copyWithIdleTimeout(b, a, p.cfg.TimeoutRW) }()
	go func() { errCh <- copyWithIdleTimeout(a, b, p.cfg.TimeoutRW) }()

	err := <-errCh
	<-errCh
	if err != nil && err != io.EOF {
		return fmt.Errorf("tlsproxy: forwarding error: %w", err)
	}
	return nil
}

func copyWithIdleTimeout(dst net.Conn, src net.Conn, idle time.Duration) error {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idle))
		n, rerr := src.Read(buf)
		if n > 0 {
			_ = dst.SetWriteDeadline(time.Now().Add(idle))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// Handle exposes mapping mutation to the rest of the system (hub
// provisioning, instance bootstrap) without exposing the proxy's internals.
type Handle struct {
	p *Proxy
}

// AddMapping installs or replaces a mapping, invoking OnAdd for
// ModeTerminate mappings.
func (h *Handle) AddMapping(m mapping.Mapping) {
	h.p.table.Add(m)
	if m.Mode == mapping.ModeTerminate && h.p.hooks.OnAdd != nil {
		h.p.hooks.OnAdd(m)
	}
}

// RemoveMapping removes a mapping by name, invoking OnRemove for
// ModeTerminate mappings that existed.
func (h *Handle) RemoveMapping(name string) {
	m := h.p.table.Remove(name)
	if m != nil && m.Mode == mapping.ModeTerminate && h.p.hooks.OnRemove != nil {
		h.p.hooks.OnRemove(*m)
	}
}

// GetMapping looks up the longest-suffix mapping for name.
func (h *Handle) GetMapping(name string) *mapping.Mapping {
	return h.p.table.Get(name)
}
