// Package server serves the JSON-RPC endpoint, health, device status and
// Prometheus metrics of a Manager over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/internal/logger"
	"avaneesh/ese-go/pkg/metrics"
	"avaneesh/ese-go/pkg/rpc"
)

const (
	Version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server
type Options struct {
	Addr        string
	CorsOrigins []string
	Logger      logger.Logger
}

// Server is the daemon's HTTP surface
type Server struct {
	addr     string
	mgr      *ese.Manager
	log      logger.Logger
	router   *gin.Engine
	registry *prometheus.Registry
	started  time.Time
}

// New builds the router for mgr
func New(mgr *ese.Manager, opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	metrics.RegisterMetrics()
	registry := prometheus.NewRegistry()
	if err := registry.Register(metrics.NewCollector(mgr)); err != nil {
		return nil, fmt.Errorf("register device collector: %w", err)
	}

	rpcServer, err := rpc.NewServer(rpc.NewService(mgr, logger.Scoped(log, "rpc")))
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger.Scoped(log, "http")))
	if len(opts.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: opts.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{
		addr:     opts.Addr,
		mgr:      mgr,
		log:      log,
		router:   r,
		registry: registry,
		started:  time.Now(),
	}
	s.registerRoutes(rpcServer)
	return s, nil
}

func (s *Server) registerRoutes(rpcServer http.Handler) {
	s.router.POST("/rpc", gin.WrapH(rpcServer))
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.registry},
		promhttp.HandlerOpts{},
	)))
	s.router.GET("/health", s.health)
	s.router.GET("/devices", s.listDevices)
	s.router.GET("/devices/:id", s.getDevice)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).String(),
		"service": "esed",
		"version": Version,
		"devices": s.mgr.DeviceCount(),
	})
}

func (s *Server) listDevices(c *gin.Context) {
	ids := s.mgr.Devices()
	out := make([]ese.DeviceStatistics, 0, len(ids))
	for _, id := range ids {
		if stats, ok := s.mgr.Statistics(id); ok {
			out = append(out, stats)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getDevice(c *gin.Context) {
	stats, ok := s.mgr.Statistics(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
