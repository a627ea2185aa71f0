package session

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState orders by recency of transition, not by severity.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateOperational
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOperational:
		return "operational"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "disconnected":
		*s = StateDisconnected
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "operational":
		*s = StateOperational
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("session: unknown connection state %q", text)
	}
	return nil
}

// Busy reports whether a connect attempt or live session owns the transport.
func (s ConnectionState) Busy() bool {
	return s == StateConnecting || s == StateConnected || s == StateOperational
}

// Live reports whether the transport is up.
func (s ConnectionState) Live() bool {
	return s == StateConnected || s == StateOperational
}

// Down reports whether the link needs a connect to make progress.
func (s ConnectionState) Down() bool {
	return s == StateDisconnected || s == StateError
}

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// MaxLogEntries caps the diagnostic ring carried in ConnectionStatus.
const MaxLogEntries = 50

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// ConnectionStatus is an immutable snapshot; every With* method returns a copy.
type ConnectionStatus struct {
	State                   ConnectionState `json:"state"`
	TargetAddress           string          `json:"target_address,omitempty"`
	TargetPort              int             `json:"target_port,omitempty"`
	ConnectionStartedAt     time.Time       `json:"connection_started_at"`
	LastHeartbeatSentAt     time.Time       `json:"last_heartbeat_sent_at"`
	LastHeartbeatReceivedAt time.Time       `json:"last_heartbeat_received_at"`
	Logs                    []LogEntry      `json:"logs"`
	ErrorMessage            string          `json:"error_message,omitempty"`
}

func (s ConnectionStatus) WithState(state ConnectionState, errMsg string) ConnectionStatus {
	s.State = state
	s.ErrorMessage = errMsg
	return s
}

func (s ConnectionStatus) WithLog(at time.Time, level LogLevel, msg string) ConnectionStatus {
	n := len(s.Logs) + 1
	start := 0
	if n > MaxLogEntries {
		start = n - MaxLogEntries
		n = MaxLogEntries
	}
	logs := make([]LogEntry, 0, n)
	logs = append(logs, s.Logs[start:]...)
	logs = append(logs, LogEntry{Time: at, Level: level, Message: msg})
	s.Logs = logs
	return s
}

// WithHeartbeatReceived advances LastHeartbeatReceivedAt; it never moves it back.
func (s ConnectionStatus) WithHeartbeatReceived(at time.Time) ConnectionStatus {
	if at.After(s.LastHeartbeatReceivedAt) {
		s.LastHeartbeatReceivedAt = at
	}
	return s
}

// ResetTimestamps clears connection-start and heartbeat timestamps.
func (s ConnectionStatus) ResetTimestamps() ConnectionStatus {
	s.ConnectionStartedAt = time.Time{}
	s.LastHeartbeatSentAt = time.Time{}
	s.LastHeartbeatReceivedAt = time.Time{}
	return s
}

// Liveness evaluates heartbeat freshness. Before the first peer heartbeat the
// link gets FirstHeartbeatGrace from ConnectionStartedAt; afterwards the last
// heartbeat must be younger than HeartbeatTimeout.
func (s ConnectionStatus) Liveness(now time.Time, t Timing) (bool, string) {
	if s.LastHeartbeatReceivedAt.IsZero() {
		if s.ConnectionStartedAt.IsZero() {
			return true, ""
		}
		since := now.Sub(s.ConnectionStartedAt)
		if since < t.FirstHeartbeatGrace {
			return true, ""
		}
		return false, fmt.Sprintf("no heartbeat received from air-side within %s of connect", t.FirstHeartbeatGrace)
	}
	since := now.Sub(s.LastHeartbeatReceivedAt)
	if since < t.HeartbeatTimeout {
		return true, ""
	}
	return false, fmt.Sprintf("heartbeat lost: last received %s ago (timeout %s)", since.Round(time.Millisecond), t.HeartbeatTimeout)
}

func (s ConnectionStatus) IsHeartbeatAlive(now time.Time, t Timing) bool {
	alive, _ := s.Liveness(now, t)
	return alive
}

// SinceLastHeartbeat is zero until the first peer heartbeat arrives.
func (s ConnectionStatus) SinceLastHeartbeat(now time.Time) time.Duration {
	if s.LastHeartbeatReceivedAt.IsZero() {
		return 0
	}
	return now.Sub(s.LastHeartbeatReceivedAt)
}
