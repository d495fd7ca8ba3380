// Package admin exposes the operational HTTP surface: health and
// prometheus metrics. It is separate from the chat port and meant to stay
// private to the deployment.
package admin

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisperim/whisperd/internal/logger"
)

// Deps wires the admin server to the rest of the process.
type Deps struct {
	DB            *sql.DB
	Registry      *prometheus.Registry
	Connections   func() int
	ActiveUploads func() int
	Log           *logger.Logger
}

// Server is the admin HTTP listener.
type Server struct {
	deps    Deps
	http    *http.Server
	log     *logger.Logger
	started time.Time
}

// New builds the router and the underlying HTTP server.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		log:     deps.Log.WithComponent("admin"),
		started: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the listener; it returns when the server stops.
func (s *Server) Start() error {
	s.log.Info("admin listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	dbStatus := "ok"
	status := http.StatusOK
	if err := s.deps.DB.PingContext(c.Request.Context()); err != nil {
		dbStatus = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":         dbStatus == "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"connections":    s.deps.Connections(),
		"active_uploads": s.deps.ActiveUploads(),
		"database":       dbStatus,
	})
}
