package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// SendCommand sends one command over the TCP channel and waits for its
// response. Calls are single-flight: concurrent callers queue. A response with
// status error is returned together with a *CommandError. Losing the channel
// moves the link to Error; a timeout does not.
func (s *Session) SendCommand(ctx context.Context, name string, params map[string]any) (protocol.Response, error) {
	if params == nil {
		params = map[string]any{}
	}
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.mu.Lock()
	t, gen := s.active, s.gen
	s.mu.Unlock()
	if st := s.status.Load().State; t == nil || st != session.StateOperational {
		observability.RecordCommand(name, "rejected", 0)
		return protocol.Response{}, fmt.Errorf("%w: state=%s", ErrNotOperational, st)
	}

	start := time.Now()
	resp, err := s.roundTrip(ctx, t, name, params)
	elapsed := time.Since(start)
	observability.RecordCommand(name, commandOutcome(err), elapsed)

	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) {
			logging.Warnf("link.Session.command failed command=%s code=%d message=%q", name, int(ce.Code), ce.Message)
			s.appendLog(session.LogWarning, fmt.Sprintf("command %s failed: %s", name, ce.Message))
			return resp, err
		}
		logging.Warnf("link.Session.command command=%s elapsed=%s err=%v", name, elapsed, err)
		if lostTransport(err) && ctx.Err() == nil {
			s.failIfCurrent(gen, fmt.Sprintf("command channel lost: %v", err))
		}
		return resp, err
	}
	logging.Debugf("link.Session.command ok command=%s status=%s elapsed=%s", name, resp.Status, elapsed)
	return resp, nil
}

func (s *Session) roundTrip(ctx context.Context, t *transport, name string, params map[string]any) (protocol.Response, error) {
	seq := s.nextSeq()
	deadline := time.Now().Add(s.timing.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetDeadline(time.Now()) })
	defer stop()

	req := protocol.New(seq, protocol.Command{Command: name, Parameters: params})
	if err := t.writeMessage(req, deadline); err != nil {
		return protocol.Response{}, ctxOr(ctx, err)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Response{}, &transportError{op: "set read deadline", err: err}
	}
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	for {
		msg, err := t.readMessage()
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				observability.RecordDecodeError("command")
			}
			// Unsolicited air-side lines such as notifications may precede a
			// reply. The line framing is intact, so keep reading.
			if errors.Is(err, protocol.ErrUnknownMessageType) {
				logging.Warnf("link.Session.command skip unknown line seq=%d err=%v", seq, err)
				continue
			}
			return protocol.Response{}, ctxOr(ctx, err)
		}
		resp, ok := msg.Payload.(protocol.Response)
		if !ok {
			logging.Debugf("link.Session.command skip type=%s seq=%d", msg.Type, msg.SequenceID)
			continue
		}
		if msg.SequenceID < seq {
			logging.Warnf("link.Session.command drop stale reply seq=%d want>=%d command=%s", msg.SequenceID, seq, resp.Command)
			continue
		}
		if resp.Status == protocol.ResponseError {
			ce := &CommandError{Command: name}
			if resp.Error != nil {
				ce.Code = protocol.ErrorCode(resp.Error.Code)
				ce.Message = resp.Error.Message
				ce.Details = resp.Error.Details
			}
			return resp, ce
		}
		return resp, nil
	}
}

// ctxOr prefers the caller's cancellation over the I/O error it caused.
func ctxOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	// The socket deadline can fire a moment before the context's own timer.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func commandOutcome(err error) string {
	var ce *CommandError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ce):
		return "error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case lostTransport(err):
		return "transport"
	case errors.As(err, new(*transportError)):
		return "timeout"
	default:
		return "protocol"
	}
}

// SetCameraProperty sets one camera property, e.g. ("iso", "800").
func (s *Session) SetCameraProperty(ctx context.Context, property string, value any) (protocol.Response, error) {
	return s.SendCommand(ctx, protocol.CommandCameraSetProperty, map[string]any{
		"property": property,
		"value":    value,
	})
}

func (s *Session) Capture(ctx context.Context) (protocol.Response, error) {
	return s.SendCommand(ctx, protocol.CommandCameraCapture, nil)
}

// GetCameraProperties asks for the named properties, or all when none are given.
func (s *Session) GetCameraProperties(ctx context.Context, properties ...string) (protocol.Response, error) {
	params := map[string]any{}
	if len(properties) > 0 {
		params["properties"] = properties
	}
	return s.SendCommand(ctx, protocol.CommandCameraGetProperties, params)
}

func (s *Session) GetSystemStatus(ctx context.Context) (protocol.Response, error) {
	return s.SendCommand(ctx, protocol.CommandSystemGetStatus, nil)
}
