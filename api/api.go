// Package api serves a read-only view of the bridge: component health, counters, and the
// Prometheus exposition.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eddielth/weatherradio/health"
	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
)

// API is the status HTTP server
type API struct {
	metrics *metrics.Metrics
	health  *health.Tracker
	started time.Time
	router  *gin.Engine
	server  *http.Server
	addr    string
}

// NewAPI creates a new API instance listening on addr
func NewAPI(m *metrics.Metrics, h *health.Tracker, addr string) *API {
	router := gin.New()
	router.Use(gin.Recovery())

	api := &API{
		metrics: m,
		health:  h,
		started: time.Now(),
		router:  router,
		addr:    addr,
	}
	api.setupRoutes()

	return api
}

func (a *API) setupRoutes() {
	a.router.GET("/healthz", a.healthCheck)
	a.router.GET("/status", a.getStatus)
	a.router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
}

// Handler returns the router, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves until Stop is called
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("status endpoint listening on %s", a.addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// healthCheck handles GET /healthz: 200 when the decoder and the broker are both connected
func (a *API) healthCheck(c *gin.Context) {
	code := http.StatusOK
	status := "ok"
	if !a.health.Healthy() {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"components": a.health.Snapshot(),
	})
}

// getStatus handles GET /status
func (a *API) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
		"components":     a.health.Snapshot(),
		"counters":       a.metrics.Snapshot(),
	})
}
