package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/protocol"
)

var (
	ErrTimeout     = errors.New("timed out")
	ErrNoModelInfo = errors.New("target reported no model info")
	ErrEmptyFrame  = errors.New("empty frame")
	ErrConnFailed  = errors.New("connection failed")
)

// Role selects how a Conn was established.
type Role int

const (
	RoleClient Role = iota // Dialed out to a target
	RoleServer             // Produced by Listener.Accept
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Config holds connection parameters
type Config struct {
	Target  string        // host:port to dial, or listen address
	Timeout time.Duration // Read and write timeout; <= 0 blocks indefinitely
	Role    Role

	// MaxPayloadSize bounds the payload a peer may announce. 0 selects
	// DefaultMaxPayloadSize.
	MaxPayloadSize uint64
}

// DefaultMaxPayloadSize is the largest payload accepted when
// Config.MaxPayloadSize is unset.
const DefaultMaxPayloadSize = 1 << 30

// DefaultConfig returns default connection configuration
func DefaultConfig() *Config {
	return &Config{
		Target:  "localhost:6666",
		Timeout: 2 * time.Second,
		Role:    RoleClient,
	}
}

// State is the per-connection protocol state.
type State int32

const (
	StateIdle State = iota
	StateAwaitingHeader
	StateAwaitingPayload
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conn is a TCP connection speaking the Data-Online frame protocol.
//
// A Conn must be used by one goroutine at a time; requests and responses
// are strictly sequential. Once a read or write fails the Conn enters
// StateFailed and every further call returns ErrConnFailed.
type Conn struct {
	conn    net.Conn
	cfg     Config
	logger  *zap.Logger
	created time.Time
	session uint64
	state   atomic.Int32
}

func newConn(c net.Conn, cfg Config, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		conn:    c,
		cfg:     cfg,
		logger:  logger.With(zap.String("remote", c.RemoteAddr().String()), zap.Stringer("role", cfg.Role)),
		created: time.Now(),
	}
}

// State returns the current protocol state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Config returns the connection parameters.
func (c *Conn) Config() Config {
	return c.cfg
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) fail(err error) error {
	c.state.Store(int32(StateFailed))

	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w after %v: %v", ErrTimeout, c.cfg.Timeout, err)
	}
	return err
}

func (c *Conn) checkUsable() error {
	if c.State() == StateFailed {
		return ErrConnFailed
	}
	return nil
}

// readFull reads exactly len(buf) bytes, looping on partial reads, with
// the deadline set once for the whole loop.
func (c *Conn) readFull(buf []byte) error {
	if c.cfg.Timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
			return c.fail(err)
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return c.fail(err)
		}
	}

	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return c.fail(err)
	}
	return nil
}

// ReadRaw reads one whole frame and returns its decoded header together
// with the raw frame bytes (header included).
func (c *Conn) ReadRaw() (*protocol.Header, []byte, error) {
	if err := c.checkUsable(); err != nil {
		return nil, nil, err
	}

	c.state.Store(int32(StateAwaitingHeader))
	head := make([]byte, protocol.HeaderSize)
	if err := c.readFull(head); err != nil {
		return nil, nil, err
	}

	h, err := protocol.DecodeHeader(head)
	if err != nil {
		return nil, nil, c.fail(err)
	}

	if err := c.checkPayloadSize(h.PayloadSize); err != nil {
		return nil, nil, err
	}

	c.state.Store(int32(StateAwaitingPayload))
	raw := make([]byte, protocol.HeaderSize+int(h.PayloadSize))
	copy(raw, head)
	if err := c.readFull(raw[protocol.HeaderSize:]); err != nil {
		return nil, nil, err
	}

	c.state.Store(int32(StateIdle))
	c.logger.Debug("frame received",
		zap.Uint64("id", h.ID),
		zap.Stringer("command", h.Command),
		zap.Uint32("items", h.NumItems),
		zap.Uint64("payload_size", h.PayloadSize))

	return h, raw, nil
}

// ReadFrame reads and decodes one frame.
func (c *Conn) ReadFrame() (*protocol.Frame, error) {
	h, raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeFrame(h, raw[protocol.HeaderSize:])
}

// WriteRaw sends already encoded frame bytes.
func (c *Conn) WriteRaw(b []byte) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	if c.cfg.Timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
			return c.fail(err)
		}
	}

	// net.Conn.Write loops internally until b is written or an error occurs
	if _, err := c.conn.Write(b); err != nil {
		return c.fail(err)
	}
	return nil
}

// WriteFrame encodes and sends f.
func (c *Conn) WriteFrame(f *protocol.Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	return c.WriteRaw(buf)
}

// checkPayloadSize fails the connection when a peer announces more bytes
// than the configured limit, before anything is allocated for them.
func (c *Conn) checkPayloadSize(n uint64) error {
	limit := c.cfg.MaxPayloadSize
	if limit == 0 {
		limit = DefaultMaxPayloadSize
	}
	if n > limit {
		return c.fail(fmt.Errorf("%w: payload of %d bytes exceeds limit %d", protocol.ErrProtocol, n, limit))
	}
	return nil
}

// nextSession returns the id for the next DATA frame. Ids start at 0.
func (c *Conn) nextSession() uint64 {
	id := c.session
	c.session++
	return id
}

func (c *Conn) now() uint64 {
	return uint64(time.Since(c.created).Nanoseconds())
}

// QueryModelInfoRaw sends a metadata query and returns the raw reply:
// the header followed by NumItems descriptors. The reply's PayloadSize is
// ignored since some targets leave it at zero.
func (c *Conn) QueryModelInfoRaw() ([]byte, error) {
	if err := c.WriteFrame(protocol.NewModelInfoQuery(c.session, c.now())); err != nil {
		return nil, fmt.Errorf("failed to send model info query: %w", err)
	}

	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	c.state.Store(int32(StateAwaitingHeader))
	head := make([]byte, protocol.HeaderSize)
	if err := c.readFull(head); err != nil {
		return nil, err
	}

	h, err := protocol.DecodeHeader(head)
	if err != nil {
		return nil, c.fail(err)
	}
	if h.Command != protocol.CommandModelInfo {
		return nil, c.fail(fmt.Errorf("%w: expected MODEL_INFO reply, got %s", protocol.ErrProtocol, h.Command))
	}
	if h.NumItems == 0 {
		c.state.Store(int32(StateIdle))
		return nil, ErrNoModelInfo
	}

	if err := c.checkPayloadSize(protocol.DescriptorSize * uint64(h.NumItems)); err != nil {
		return nil, err
	}

	c.state.Store(int32(StateAwaitingPayload))
	raw := make([]byte, protocol.HeaderSize+protocol.DescriptorSize*int(h.NumItems))
	copy(raw, head)
	if err := c.readFull(raw[protocol.HeaderSize:]); err != nil {
		return nil, err
	}
	c.state.Store(int32(StateIdle))

	return raw, nil
}

// QueryModelInfo asks the target for its model metadata.
func (c *Conn) QueryModelInfo() (*protocol.ModelInfo, error) {
	raw, err := c.QueryModelInfoRaw()
	if err != nil {
		return nil, err
	}
	return ParseModelInfo(raw)
}

// ParseModelInfo decodes a raw model-info reply as returned by
// QueryModelInfoRaw.
func ParseModelInfo(raw []byte) (*protocol.ModelInfo, error) {
	if len(raw) < protocol.HeaderSize {
		return nil, fmt.Errorf("%w: model info reply is %d bytes", protocol.ErrProtocol, len(raw))
	}
	h, err := protocol.DecodeHeader(raw[:protocol.HeaderSize])
	if err != nil {
		return nil, err
	}
	if h.NumItems == 0 {
		return nil, ErrNoModelInfo
	}
	return protocol.DecodeModelInfo(h, raw[protocol.HeaderSize:])
}

// WriteModelInfo answers a metadata query (server role).
func (c *Conn) WriteModelInfo(info *protocol.ModelInfo, id uint64) error {
	buf, err := info.Encode(id, c.now())
	if err != nil {
		return err
	}
	return c.WriteRaw(buf)
}
