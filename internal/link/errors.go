package link

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/danmuck/groundlink/internal/protocol"
)

var (
	ErrConnectInProgress = errors.New("link: connect already in progress or connected")
	ErrNotOperational    = errors.New("link: session not operational")
	ErrHandshakeRejected = errors.New("link: handshake rejected")
	ErrUnexpectedReply   = errors.New("link: unexpected reply")
	ErrSessionClosed     = errors.New("link: session closed")
	ErrTaskStopTimeout   = errors.New("link: background tasks did not stop in time")

	errSuperseded = errors.New("link: attempt superseded")
)

// CommandError is a peer-reported command failure (Response.Status == error).
// It never affects connection state.
type CommandError struct {
	Command string
	Code    protocol.ErrorCode
	Message string
	Details any
}

func (e *CommandError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("link: command %s failed: code=%d message=%q details=%v", e.Command, int(e.Code), e.Message, e.Details)
	}
	return fmt.Sprintf("link: command %s failed: code=%d message=%q", e.Command, int(e.Code), e.Message)
}

// transportError marks a failure of the TCP channel itself, as opposed to a
// protocol or peer-reported error.
type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string { return fmt.Sprintf("link: %s: %v", e.op, e.err) }
func (e *transportError) Unwrap() error { return e.err }

// lostTransport reports whether err means the TCP channel is gone; timeouts
// leave the channel usable.
func lostTransport(err error) bool {
	var te *transportError
	if !errors.As(err, &te) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

func isNotConnected(err error) bool {
	return err != nil && errors.Is(err, syscall.ENOTCONN)
}
