// Package api provides the local HTTP control surface of a running client
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/nocksup/pkg/network"
	"github.com/ZentaChain/nocksup/pkg/node"
)

// Session is the part of network.Client the API drives
type Session interface {
	Info() network.Info
	Connect(ctx context.Context) error
	Disconnect() error
	Logout(ctx context.Context) error
	BeginScanPairing(ctx context.Context) (string, error)
	BeginManualPairing(ctx context.Context, phone string) (string, error)
	Send(ctx context.Context, n node.Node) (string, error)
	Request(ctx context.Context, n node.Node, timeout time.Duration) (node.Node, error)
	Subscribe(kind network.EventKind, h network.Handler) func()
}

// Config holds server configuration
type Config struct {
	Listen       string
	EnableCORS   bool
	RateLimit    float64 // Requests per second per client IP, 0 disables
	Burst        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Gatherer     prometheus.Gatherer // Served on /metrics when set
	Logger       *zap.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:8088",
		RateLimit:    10,
		Burst:        20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the event stream is long lived
	}
}

// Server exposes a Session over HTTP
type Server struct {
	session    Session
	cfg        Config
	log        *zap.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router; call Serve or use Handler to run it
func NewServer(session Session, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		session: session,
		cfg:     cfg,
		log:     cfg.Logger.Named("api"),
		router:  gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	if s.cfg.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.cfg.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimit, s.cfg.Burst)))
	}
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.POST("/connect", s.handleConnect)
		v1.POST("/disconnect", s.handleDisconnect)
		v1.POST("/logout", s.handleLogout)

		pairing := v1.Group("/pairing")
		{
			pairing.POST("/scan", s.handleScanPairing)
			pairing.POST("/code", s.handleCodePairing)
		}

		v1.POST("/send", s.handleSend)
		v1.POST("/request", s.handleRequest)
		v1.GET("/events", s.handleEvents)
	}

	s.router.GET("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until ctx ends, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API listening", zap.Stringer("addr", l.Addr()))
		errc <- s.httpServer.Serve(l)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// ListenAndServe listens on cfg.Listen and calls Serve
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
