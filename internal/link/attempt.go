package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// runAttempt drives one connect request: dial, handshake, bind, start loops.
// A failed attempt parks the link in Error and retries after the fixed retry
// delay for as long as gen stays current and nobody moved the link out of
// Error.
func (s *Session) runAttempt(ctx context.Context, gen uint64) error {
	for attempt := 1; ; attempt++ {
		err := s.establish(ctx, gen)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, errSuperseded) {
			return nil
		}
		cause := fmt.Sprintf("connection failed: %v", err)
		if !s.failIfCurrent(gen, cause) {
			return nil
		}
		delay := session.NextBackoffDelay(s.timing.Retry, attempt, nil)
		logging.Warnf("link.Session.connect failed attempt=%d target=%s retry_in=%s err=%v",
			attempt, s.settings.CommandAddress(), delay, err)
		if err := session.WaitDelay(ctx, delay); err != nil {
			return nil
		}
		if !s.retryIfCurrent(gen, attempt+1) {
			return nil
		}
		observability.RecordReconnect("handshake_retry")
	}
}

// retryIfCurrent moves the link from Error back to Connecting when gen is
// still the current generation.
func (s *Session) retryIfCurrent(gen uint64, attempt int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	now := time.Now()
	msg := fmt.Sprintf("retrying connection to %s (attempt %d)", s.settings.CommandAddress(), attempt)
	_, ok := s.status.UpdateIf(func(st session.ConnectionStatus) (session.ConnectionStatus, bool) {
		if st.State != session.StateError {
			return st, false
		}
		return st.ResetTimestamps().WithState(session.StateConnecting, "").WithLog(now, session.LogInfo, msg), true
	})
	if ok {
		s.notify(session.StateError, session.StateConnecting, "")
	}
	return ok
}

func (s *Session) establish(ctx context.Context, gen uint64) error {
	addr := s.settings.CommandAddress()
	dialer := net.Dialer{Timeout: s.settings.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	t := newTransport(conn, s.timing.MaxLineBytes)
	installed := false
	defer func() {
		if !installed {
			if err := t.close(); err != nil {
				logging.Debugf("link.Session.connect release err=%v", err)
			}
		}
	}()

	if !s.markConnected(gen, conn) {
		return errSuperseded
	}

	result, err := s.handshake(ctx, t)
	if err != nil {
		return err
	}
	if err := t.bindUDP(s.settings); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || ctx.Err() != nil {
		return errSuperseded
	}
	t.loops = newTaskGroup()
	s.active = t
	installed = true

	msg := fmt.Sprintf("handshake accepted by %s", describeServer(result))
	logging.Infof("link.Session.connect operational target=%s server_id=%s server_version=%s capabilities=%s",
		addr, result.ServerID, result.ServerVersion, strings.Join(result.Capabilities, ","))
	s.transition(session.StateOperational, "", session.LogSuccess, msg, nil)

	t.loops.Go("status-listener", func(ctx context.Context) error {
		return s.listenStatus(ctx, t.statusConn)
	})
	t.loops.Go("heartbeat-sender", func(ctx context.Context) error {
		return s.sendHeartbeats(ctx, t.hbSendConn, t.hbTarget)
	})
	t.loops.Go("heartbeat-receiver", func(ctx context.Context) error {
		return s.receiveHeartbeats(ctx, t.hbRecvConn)
	})
	t.loops.Go("watchdog", func(ctx context.Context) error {
		return s.watchdog(ctx, gen)
	})
	return nil
}

// markConnected records the transport-up transition for gen.
func (s *Session) markConnected(gen uint64, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	now := time.Now()
	msg := fmt.Sprintf("tcp connected local=%s remote=%s", conn.LocalAddr(), conn.RemoteAddr())
	logging.Debugf("link.Session.connect %s", msg)
	s.transition(session.StateConnected, "", session.LogInfo, msg,
		func(st session.ConnectionStatus) session.ConnectionStatus {
			st.ConnectionStartedAt = now
			return st
		})
	return true
}

// handshake sends the identity and waits for an accepting response within the
// connection timeout.
func (s *Session) handshake(ctx context.Context, t *transport) (protocol.HandshakeResult, error) {
	deadline := time.Now().Add(s.settings.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetDeadline(time.Now()) })
	defer stop()

	hello := protocol.New(s.nextSeq(), protocol.Handshake{
		ClientID:          s.identity.ClientID,
		ClientVersion:     s.identity.ClientVersion,
		RequestedFeatures: s.identity.RequestedFeatures,
	})
	if err := t.writeMessage(hello, deadline); err != nil {
		return protocol.HandshakeResult{}, fmt.Errorf("handshake: %w", err)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return protocol.HandshakeResult{}, fmt.Errorf("handshake: %w", err)
	}
	reply, err := t.readMessage()
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			observability.RecordDecodeError("command")
		}
		return protocol.HandshakeResult{}, fmt.Errorf("handshake: %w", err)
	}
	resp, ok := reply.Payload.(protocol.Response)
	if !ok {
		return protocol.HandshakeResult{}, fmt.Errorf("%w: handshake answered with %s", ErrUnexpectedReply, reply.Type)
	}
	if resp.Status != protocol.ResponseSuccess {
		if resp.Error != nil {
			return protocol.HandshakeResult{}, fmt.Errorf("%w: status=%s code=%d message=%q",
				ErrHandshakeRejected, resp.Status, resp.Error.Code, resp.Error.Message)
		}
		return protocol.HandshakeResult{}, fmt.Errorf("%w: status=%s", ErrHandshakeRejected, resp.Status)
	}
	if err := t.conn.SetDeadline(time.Time{}); err != nil {
		return protocol.HandshakeResult{}, fmt.Errorf("handshake: %w", err)
	}
	result, err := resp.HandshakeResult()
	if err != nil {
		logging.Warnf("link.Session.handshake unreadable result err=%v", err)
	}
	return result, nil
}

func describeServer(r protocol.HandshakeResult) string {
	switch {
	case r.ServerID != "" && r.ServerVersion != "":
		return fmt.Sprintf("%s v%s", r.ServerID, r.ServerVersion)
	case r.ServerID != "":
		return r.ServerID
	default:
		return "air-side"
	}
}
