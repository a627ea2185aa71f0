// Package gateway is the operator-facing HTTP surface of the ground link:
// status, telemetry, connection control, commands, the event log, metrics and
// a WebSocket stream of live updates.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/groundlink/internal/auth"
	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/manager"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingInterval = 20 * time.Second
	shutdownTimeout     = 5 * time.Second
	version             = "0.1.0"
)

// Link is the manager surface the gateway drives. *manager.Manager satisfies it.
type Link interface {
	Connect() error
	Disconnect() error
	SendCommand(ctx context.Context, name string, params map[string]any) (protocol.Response, error)
	ConfigureAutoReconnect(enabled bool, interval time.Duration)
	AutoReconnect() (bool, time.Duration)
	Settings() (session.Settings, bool)
	Status() session.ConnectionStatus
	Telemetry() manager.Telemetry
	StatusStream() session.Observable[session.ConnectionStatus]
	SystemStream() session.Observable[*protocol.SystemStatus]
	CameraStream() session.Observable[*protocol.CameraStatus]
	GimbalStream() session.Observable[*protocol.GimbalStatus]
	DownloadsStream() session.Observable[*protocol.DownloadStatus]
}

var _ Link = (*manager.Manager)(nil)

// EventReader lists recent link events, newest first.
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]session.Event, error)
}

type Server struct {
	ID      string
	Addr    string
	Started time.Time

	// PingInterval paces WebSocket keepalive pings.
	PingInterval time.Duration
	// Operator, when set, guards the routes that change link state.
	Operator auth.Guard

	link   Link
	events EventReader
	router *gin.Engine
}

func New(id, addr string, link Link, events EventReader, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, id))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:           id,
		Addr:         addr,
		Started:      time.Now(),
		PingInterval: defaultPingInterval,
		link:         link,
		events:       events,
		router:       r,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("gateway.Server.serve addr=%s id=%s", s.Addr, s.ID)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("gateway.Server.shutdown err=%v", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
