package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/groundlink/internal/link"
	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/manager"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

type autoReconnectRequest struct {
	Enabled         *bool    `json:"enabled"`
	IntervalSeconds *float64 `json:"interval_seconds"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": version,
			"state":   s.link.Status().State,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.link.Status())
	})
	r.GET("/telemetry", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.link.Telemetry())
	})

	r.GET("/auto-reconnect", s.handleGetAutoReconnect)

	operator := r.Group("/", s.requireOperator)
	operator.POST("/connect", s.handleConnect)
	operator.POST("/disconnect", s.handleDisconnect)
	operator.POST("/commands", s.handleCommand)
	operator.PUT("/auto-reconnect", s.handlePutAutoReconnect)
	r.GET("/events", s.handleEvents)
	r.GET("/ws", s.handleStream)
}

// requireOperator rejects the request unless the Operator guard, when set,
// authorizes its bearer token.
func (s *Server) requireOperator(c *gin.Context) {
	if s.Operator == nil {
		c.Next()
		return
	}
	if err := s.Operator.Authorize(c.GetHeader("Authorization")); err != nil {
		logging.Warnf("gateway.Server.operator denied method=%s path=%s remote=%s err=%v",
			c.Request.Method, c.FullPath(), c.ClientIP(), err)
		c.Header("WWW-Authenticate", `Bearer realm="groundlink"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) handleConnect(c *gin.Context) {
	err := s.link.Connect()
	switch {
	case err == nil:
		settings, _ := s.link.Settings()
		c.JSON(http.StatusAccepted, gin.H{"status": "connecting", "target": settings.CommandAddress()})
	case errors.Is(err, link.ErrConnectInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.link.Status().State})
	default:
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
	}
}

func (s *Server) handleDisconnect(c *gin.Context) {
	err := s.link.Disconnect()
	if err != nil && (errors.Is(err, manager.ErrNotInitialized) || errors.Is(err, manager.ErrClosed)) {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	body := gin.H{"status": "disconnected"}
	if err != nil {
		// The link is down either way; cleanup failures are informational.
		body["cleanup_error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command required"})
		return
	}

	resp, err := s.link.SendCommand(c.Request.Context(), req.Command, req.Parameters)
	var ce *link.CommandError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"response": resp})
	case errors.As(err, &ce):
		c.JSON(http.StatusBadGateway, gin.H{
			"response": resp,
			"error":    ce.Error(),
			"code":     int(ce.Code),
			"reason":   ce.Code.String(),
		})
	default:
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
	}
}

func (s *Server) handleGetAutoReconnect(c *gin.Context) {
	enabled, interval := s.link.AutoReconnect()
	c.JSON(http.StatusOK, gin.H{"enabled": enabled, "interval_seconds": interval.Seconds()})
}

func (s *Server) handlePutAutoReconnect(c *gin.Context) {
	var req autoReconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	if req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled required"})
		return
	}
	_, interval := s.link.AutoReconnect()
	if req.IntervalSeconds != nil {
		if *req.IntervalSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interval_seconds must be positive"})
			return
		}
		interval = time.Duration(*req.IntervalSeconds * float64(time.Second))
	}
	s.link.ConfigureAutoReconnect(*req.Enabled, interval)
	s.handleGetAutoReconnect(c)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log disabled"})
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and " + strconv.Itoa(maxEventLimit)})
			return
		}
		limit = n
	}
	events, err := s.events.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotInitialized), errors.Is(err, manager.ErrClosed), errors.Is(err, link.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, link.ErrNotOperational):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
