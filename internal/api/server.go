package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/state"
	"marketsync/logger"
	"marketsync/models"
)

// Controller is the write side of the engine the API drives.
type Controller interface {
	Start() error
	Stop()
	ActivateKillSwitch()
	DeactivateKillSwitch()
	Resubscribe() error
	Refresh(ctx context.Context, series string) (int, error)
	FetchMarket(ctx context.Context, ticker string) (models.Market, error)
	State() *state.State
}

// Server hosts the Gin control surface: read access to markets, connection
// statuses, the activity log and flags, plus the bot controls.
type Server struct {
	cfg        config.APIConfig
	log        *logger.Log
	ctl        Controller
	state      *state.State
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, ctl Controller, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	s := &Server{
		cfg:   cfg,
		log:   log,
		ctl:   ctl,
		state: ctl.State(),
	}
	router, err := s.buildRouter()
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("control api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/status", s.getStatus)
	api.GET("/logs", s.getLogs)
	api.GET("/markets", s.listMarkets)
	api.GET("/markets/:ticker", s.getMarket)
	api.POST("/markets/:ticker/quoting", s.toggleQuoting)
	api.PUT("/markets/:ticker/params", s.updateParams)
	api.POST("/markets/:ticker/fills", s.recordFill)
	api.POST("/markets/:ticker/refresh", s.refreshMarket)

	api.POST("/bot/start", s.startBot)
	api.POST("/bot/stop", s.stopBot)
	api.POST("/bot/resubscribe", s.resubscribe)
	api.POST("/kill-switch/activate", s.activateKillSwitch)
	api.POST("/kill-switch/deactivate", s.deactivateKillSwitch)

	api.PUT("/active-market", s.setActiveMarket)
	api.PUT("/search", s.setSearch)
	api.POST("/refresh", s.refresh)

	return router, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogPerformanceEntry(s.log.WithComponent("api").WithFields(logger.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}), "api", "request", time.Since(start), nil)
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
