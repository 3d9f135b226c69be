package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Dial connects to cfg.Target in client role.
func Dial(ctx context.Context, cfg *Config, logger *zap.Logger) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{}
	if cfg.Timeout > 0 {
		dialer.Timeout = cfg.Timeout
	}

	c, err := dialer.DialContext(ctx, "tcp", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Target, err)
	}

	conf := *cfg
	conf.Role = RoleClient
	conn := newConn(c, conf, logger)
	conn.logger.Info("connected", zap.Duration("timeout", cfg.Timeout))

	return conn, nil
}

// Listener accepts Data-Online connections in server role.
type Listener struct {
	listener net.Listener
	cfg      Config
	logger   *zap.Logger
}

// Listen binds addr. Accepted connections inherit cfg's timeout.
func Listen(addr string, cfg *Config, logger *zap.Logger) (*Listener, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	conf := *cfg
	conf.Target = addr
	conf.Role = RoleServer

	return &Listener{listener: l, cfg: conf, logger: logger}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	conn := newConn(c, l.cfg, l.logger)
	conn.logger.Info("accepted connection")
	return conn, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting; a blocked Accept returns an error.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// AcceptBackoff is how long accept loops pause after a failed Accept.
const AcceptBackoff = 100 * time.Millisecond
