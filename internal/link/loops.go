package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// maxDatagram is the largest UDP payload the loops accept.
const maxDatagram = 64 * 1024

// unblockOnDone forces pending reads on conn to return once ctx is done.
func unblockOnDone(ctx context.Context, conn *net.UDPConn) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
}

// readLoop hands each datagram to handle until ctx is done. Read errors other
// than cancellation end the loop.
func readLoop(ctx context.Context, conn *net.UDPConn, channel string, handle func([]byte, *net.UDPAddr)) error {
	stop := unblockOnDone(ctx, conn)
	defer stop()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s read: %w", channel, err)
		}
		handle(buf[:n], from)
	}
}

// listenStatus applies every valid status datagram to the telemetry cells.
// Malformed datagrams are logged and skipped.
func (s *Session) listenStatus(ctx context.Context, conn *net.UDPConn) error {
	logging.Debugf("link.Session.status listening addr=%s", conn.LocalAddr())
	return readLoop(ctx, conn, "status", func(data []byte, from *net.UDPAddr) {
		msg, err := protocol.Decode(data)
		if err != nil {
			observability.RecordDecodeError("status")
			logging.Warnf("link.Session.status drop from=%s err=%v", from, err)
			return
		}
		st, ok := msg.Payload.(protocol.Status)
		if !ok {
			logging.Debugf("link.Session.status ignore type=%s from=%s", msg.Type, from)
			return
		}
		s.applyStatus(st)
	})
}

// applyStatus publishes system and camera unconditionally; gimbal and
// downloads only replace the previous value when present.
func (s *Session) applyStatus(st protocol.Status) {
	s.system.Store(st.System)
	s.camera.Store(st.Camera)
	if st.Gimbal != nil {
		s.gimbal.Store(st.Gimbal)
	}
	if st.Downloads != nil {
		s.downloads.Store(st.Downloads)
	}
	observability.RecordTelemetryUpdate()
}

// sendHeartbeats emits one heartbeat immediately and then every interval.
// Send failures are logged and the loop keeps going.
func (s *Session) sendHeartbeats(ctx context.Context, conn *net.UDPConn, target *net.UDPAddr) error {
	ticker := time.NewTicker(s.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		s.sendHeartbeat(conn, target)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Session) sendHeartbeat(conn *net.UDPConn, target *net.UDPAddr) {
	now := time.Now()
	msg := protocol.New(s.nextSeq(), protocol.Heartbeat{
		Sender:        protocol.SenderGround,
		ClientID:      s.identity.ClientID,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
	})
	data, err := protocol.Encode(msg)
	if err != nil {
		logging.Errorf("link.Session.heartbeat encode err=%v", err)
		return
	}
	if _, err := conn.WriteToUDP(data, target); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		logging.Warnf("link.Session.heartbeat send target=%s err=%v", target, err)
		return
	}
	observability.RecordHeartbeatSent()
	s.status.Update(func(st session.ConnectionStatus) session.ConnectionStatus {
		st.LastHeartbeatSentAt = now
		return st
	})
}

// receiveHeartbeats records the arrival time of every Air-Side heartbeat.
// Ground heartbeats looped back on the same port are ignored.
func (s *Session) receiveHeartbeats(ctx context.Context, conn *net.UDPConn) error {
	logging.Debugf("link.Session.heartbeat listening addr=%s", conn.LocalAddr())
	return readLoop(ctx, conn, "heartbeat", func(data []byte, from *net.UDPAddr) {
		msg, err := protocol.Decode(data)
		if err != nil {
			observability.RecordDecodeError("heartbeat")
			logging.Warnf("link.Session.heartbeat drop from=%s err=%v", from, err)
			return
		}
		hb, ok := msg.Payload.(protocol.Heartbeat)
		if !ok {
			logging.Debugf("link.Session.heartbeat ignore type=%s from=%s", msg.Type, from)
			return
		}
		if hb.Sender != protocol.SenderAir {
			return
		}
		now := time.Now()
		observability.RecordHeartbeatReceived()
		s.status.Update(func(st session.ConnectionStatus) session.ConnectionStatus {
			return st.WithHeartbeatReceived(now)
		})
	})
}
