package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// EventType classifies a live update for WebSocket clients.
type EventType string

const (
	EventStatus    EventType = "status"
	EventSystem    EventType = "system"
	EventCamera    EventType = "camera"
	EventGimbal    EventType = "gimbal"
	EventDownloads EventType = "downloads"
)

// Event is the JSON envelope written to WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

func (s *Server) handleStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("gateway.Server.stream upgrade err=%v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go discardReads(conn, cancel)

	events, stop := s.subscribe(ctx)
	defer stop()

	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()

	for {
		select {
		case evt := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				logging.Debugf("gateway.Server.stream write err=%v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// discardReads consumes client frames so control messages are processed and
// a client close ends the stream.
func discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// subscribe merges the link's status and telemetry streams into one channel.
func (s *Server) subscribe(ctx context.Context) (<-chan Event, func()) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 16)
	var wg sync.WaitGroup
	pump(ctx, &wg, out, EventStatus, s.link.StatusStream(), func(session.ConnectionStatus) bool { return true })
	pump(ctx, &wg, out, EventSystem, s.link.SystemStream(), notNil)
	pump(ctx, &wg, out, EventCamera, s.link.CameraStream(), notNil)
	pump(ctx, &wg, out, EventGimbal, s.link.GimbalStream(), notNil)
	pump(ctx, &wg, out, EventDownloads, s.link.DownloadsStream(), notNil)
	return out, func() {
		cancel()
		wg.Wait()
	}
}

func pump[T any](ctx context.Context, wg *sync.WaitGroup, out chan<- Event, kind EventType, src session.Observable[T], keep func(T) bool) {
	ch, unsubscribe := src.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				if !keep(v) {
					continue
				}
				select {
				case out <- Event{Type: kind, Timestamp: time.Now(), Data: v}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func notNil[T any](v *T) bool { return v != nil }
