// Package rtmp accepts inbound RTMP publishes and authenticates them against
// the stream key service.
package rtmp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rtmp "github.com/yutopp/go-rtmp"

	"github.com/jmylchreest/vtcast/internal/events"
	"github.com/jmylchreest/vtcast/internal/media"
	"github.com/jmylchreest/vtcast/internal/observability"
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("rtmp server closed")

	// ErrAlreadyServing is returned when Serve is called twice.
	ErrAlreadyServing = errors.New("rtmp server already serving")

	// ErrUnauthorized is returned to a publisher whose stream key is rejected.
	ErrUnauthorized = errors.New("stream key rejected")

	// ErrMissingKey is returned when a publish carries no stream key.
	ErrMissingKey = errors.New("publish carries no stream key")

	// ErrWrongApp is returned when a client connects to an unknown application.
	ErrWrongApp = errors.New("unknown rtmp application")

	// ErrStreamBusy is returned when a stream name is already being published.
	ErrStreamBusy = errors.New("stream is already being published")

	// ErrPlayUnsupported is returned for play requests.
	ErrPlayUnsupported = errors.New("playback is not supported")
)

// KeyValidator authorizes a publish. streamkey.Service implements it.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key, ip string) (bool, error)
}

// PacketHandler receives every packet of an authorized publish.
type PacketHandler func(pub PublisherInfo, p media.Packet)

// Config configures a Server.
type Config struct {
	Addr      string
	App       string
	ChunkSize uint32
	GOPCache  bool
	// GOPCacheSize bounds the packets cached per stream.
	GOPCacheSize int
	// PingInterval is the TCP keepalive period.
	PingInterval time.Duration
	// PingTimeout closes a connection that has sent nothing for this long.
	PingTimeout time.Duration
}

// DefaultConfig returns the default ingest configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":1935",
		App:          "live",
		ChunkSize:    4096,
		GOPCache:     true,
		GOPCacheSize: 1024,
		PingInterval: 30 * time.Second,
		PingTimeout:  60 * time.Second,
	}
}

// Server is the RTMP ingest endpoint.
type Server struct {
	cfg       Config
	validator KeyValidator
	logger    *slog.Logger
	metrics   *observability.Metrics
	events    events.Publisher
	registry  *registry

	keysMu  sync.RWMutex
	devKeys map[string]struct{}

	onPacket atomic.Pointer[PacketHandler]

	mu       sync.Mutex
	srv      *rtmp.Server
	listener net.Listener
	baseCtx  context.Context
	serving  bool
	closed   bool
}

// New creates a Server. validator may be nil, in which case only keys added
// with AddStreamKey are accepted.
func New(cfg Config, validator KeyValidator, logger *slog.Logger, metrics *observability.Metrics, pub events.Publisher) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if pub == nil {
		pub = events.Discard
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.GOPCacheSize <= 0 {
		cfg.GOPCacheSize = DefaultConfig().GOPCacheSize
	}
	return &Server{
		cfg:       cfg,
		validator: validator,
		logger:    observability.WithComponent(logger, "rtmp"),
		metrics:   metrics,
		events:    pub,
		registry:  newRegistry(),
		devKeys:   make(map[string]struct{}),
		baseCtx:   context.Background(),
	}
}

// AddStreamKey allowlists key, bypassing validation. Intended for development and tests.
func (s *Server) AddStreamKey(key string) {
	s.keysMu.Lock()
	s.devKeys[key] = struct{}{}
	s.keysMu.Unlock()
}

// RemoveStreamKey removes key from the allowlist.
func (s *Server) RemoveStreamKey(key string) {
	s.keysMu.Lock()
	delete(s.devKeys, key)
	s.keysMu.Unlock()
}

// OnPacket registers fn to receive ingested packets.
func (s *Server) OnPacket(fn PacketHandler) {
	if fn == nil {
		s.onPacket.Store(nil)
		return
	}
	s.onPacket.Store(&fn)
}

// Publishers lists active publishes.
func (s *Server) Publishers() []PublisherInfo {
	return s.registry.list()
}

// GOPSnapshot returns the cached headers and current GOP of streamName,
// enough for a late consumer to start decoding.
func (s *Server) GOPSnapshot(streamName string) []media.Packet {
	return s.registry.snapshot(streamName)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx ends or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx ends or Close is called.
// A shutdown initiated by either returns nil.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	if s.serving {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.serving = true
	s.listener = l
	s.baseCtx = ctx
	s.srv = rtmp.NewServer(&rtmp.ServerConfig{OnConnect: s.accept})
	srv := s.srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("rtmp server listening",
		slog.String("addr", l.Addr().String()),
		slog.String("app", s.cfg.App))

	err := srv.Serve(l)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return fmt.Errorf("serving rtmp: %w", err)
}

// Close stops accepting connections. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.srv == nil {
		return nil
	}
	s.logger.Info("rtmp server stopping")
	return s.srv.Close()
}

// accept prepares every inbound connection before the handshake.
func (s *Server) accept(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	if tcp, ok := conn.(*net.TCPConn); ok && s.cfg.PingInterval > 0 {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(s.cfg.PingInterval)
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	h := &handler{
		server:     s,
		ctx:        ctx,
		connID:     uuid.NewString(),
		remoteAddr: conn.RemoteAddr().String(),
		openedAt:   time.Now(),
	}
	h.logger = s.logger.With(slog.String("conn_id", h.connID), slog.String("remote_addr", h.remoteAddr))
	s.metrics.AddRTMPConnections(1)

	rwc := io.ReadWriteCloser(conn)
	if s.cfg.PingTimeout > 0 {
		rwc = &idleConn{Conn: conn, timeout: s.cfg.PingTimeout}
	}

	return rwc, &rtmp.ConnConfig{
		Handler: h,
		ControlState: rtmp.StreamControlStateConfig{
			DefaultChunkSize: s.cfg.ChunkSize,
		},
		Logger: observability.NewLogrusBridge(h.logger),
	}
}

// authorize decides whether key may publish from ip.
func (s *Server) authorize(ctx context.Context, key, ip string) error {
	s.keysMu.RLock()
	_, allowlisted := s.devKeys[key]
	s.keysMu.RUnlock()
	if allowlisted {
		return nil
	}
	if s.validator == nil {
		return ErrUnauthorized
	}

	ok, err := s.validator.ValidateKey(ctx, key, ip)
	if err != nil {
		return fmt.Errorf("validating stream key: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// parsePublishingName extracts the stream name and key from a publish.
// The key is the value of a key= query parameter when present, otherwise the
// publishing name itself.
func parsePublishingName(name string) (stream, key string) {
	stream, query, _ := strings.Cut(name, "?")
	for _, pair := range strings.Split(query, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k == "key" && v != "" {
			return stream, v
		}
	}
	return stream, stream
}

// keyLabel identifies a key in logs and listings without revealing it.
func keyLabel(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:4])
}

// idleConn closes connections that stay silent for longer than timeout.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
