// Package api exposes a mesh node over HTTP: status, peers, caches, battery
// mode control, message submission, a websocket event stream and Prometheus
// metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
)

// Node is the part of the mesh engine the API drives.
type Node interface {
	LocalID() protocol.PeerID
	SessionID() string
	State() mesh.EngineState
	Stats() mesh.Stats
	Peers() []mesh.Peer
	CachedMessages() []mesh.CachedMessage
	BatteryMode() mesh.BatteryMode
	DutyCycle() mesh.DutyCycle
	SetBatteryMode(mode mesh.BatteryMode) error
	Send(ctx context.Context, msgType protocol.MessageType, payload []byte, recipient protocol.PeerID) (protocol.MessageID, error)
}

// ArchiveReader lists archived packets.
type ArchiveReader interface {
	Recent(limit int) ([]*storage.ArchivedPacket, error)
	Count() (int, error)
}

var _ Node = (*mesh.Engine)(nil)

// Config holds server configuration
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	EnableCORS    bool          `yaml:"enable_cors"`
	RateLimit     int           `yaml:"rate_limit"` // requests per minute, 0 disables
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":8080",
		EnableCORS:    true,
		RateLimit:     100,
		MaxBodyBytes:  64 << 10,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		SendTimeout:   10 * time.Second,
		EnableMetrics: true,
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithArchive enables the /archive endpoint.
func WithArchive(a ArchiveReader) Option { return func(s *Server) { s.archive = a } }

// WithHub enables the websocket event stream.
func WithHub(h *Hub) Option { return func(s *Server) { s.hub = h } }

// WithGatherer selects the registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithLogger(logger *zap.Logger) Option { return func(s *Server) { s.logger = logger } }

// Server represents the HTTP API server for a mesh node
type Server struct {
	node       Node
	archive    ArchiveReader
	hub        *Hub
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	config     Config
	router     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new HTTP API server
func NewServer(node Node, config Config, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		node:      node,
		gatherer:  prometheus.DefaultGatherer,
		logger:    zap.NewNop(),
		config:    config,
		router:    gin.New(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/node", s.handleNodeInfo)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/stats", s.handleStats)
		v1.GET("/cache", s.handleCache)
		v1.GET("/archive", s.handleArchive)
		v1.PUT("/battery-mode", s.handleSetBatteryMode)
		v1.POST("/messages", s.handleSendMessage)
		v1.GET("/events", s.handleEvents)
	}

	s.router.GET("/health", s.handleHealth)
	if s.config.EnableMetrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API server starting", zap.String("addr", s.config.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
