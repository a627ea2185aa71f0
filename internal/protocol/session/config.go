package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTargetIP         = "192.168.144.20"
	DefaultCommandPort      = 5000
	DefaultStatusListenPort = 5001
	DefaultHeartbeatPort    = 5002
	DefaultClientVersion    = "1.0.0"
)

var (
	ErrTargetIPRequired = errors.New("session: target ip required")
	ErrInvalidPort      = errors.New("session: invalid port")
	ErrClientIDRequired = errors.New("session: client id required")
)

// Settings is the immutable link configuration supplied by the settings
// collaborator. A session never mutates it.
type Settings struct {
	TargetIP                string
	CommandPort             int
	StatusListenPort        int
	HeartbeatPort           int
	ConnectionTimeout       time.Duration
	HeartbeatInterval       time.Duration
	StatusBroadcastInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		TargetIP:                DefaultTargetIP,
		CommandPort:             DefaultCommandPort,
		StatusListenPort:        DefaultStatusListenPort,
		HeartbeatPort:           DefaultHeartbeatPort,
		ConnectionTimeout:       5 * time.Second,
		HeartbeatInterval:       time.Second,
		StatusBroadcastInterval: 200 * time.Millisecond,
	}
}

// WithDefaults fills zero durations from DefaultSettings.
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	s.TargetIP = strings.TrimSpace(s.TargetIP)
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = def.ConnectionTimeout
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = def.HeartbeatInterval
	}
	if s.StatusBroadcastInterval <= 0 {
		s.StatusBroadcastInterval = def.StatusBroadcastInterval
	}
	return s
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.TargetIP) == "" {
		return ErrTargetIPRequired
	}
	ports := []struct {
		name string
		v    int
	}{
		{"command_port", s.CommandPort},
		{"status_listen_port", s.StatusListenPort},
		{"heartbeat_port", s.HeartbeatPort},
	}
	for _, p := range ports {
		if p.v <= 0 || p.v > 65535 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPort, p.name, p.v)
		}
	}
	return nil
}

func (s Settings) CommandAddress() string {
	return net.JoinHostPort(s.TargetIP, strconv.Itoa(s.CommandPort))
}

func (s Settings) HeartbeatAddress() string {
	return net.JoinHostPort(s.TargetIP, strconv.Itoa(s.HeartbeatPort))
}

// Identity is how this ground station introduces itself to the Air-Side.
type Identity struct {
	ClientID          string
	ClientVersion     string
	RequestedFeatures []string
}

func DefaultRequestedFeatures() []string {
	return []string{"camera_control", "gimbal_control", "content_download"}
}

func (id Identity) WithDefaults() Identity {
	id.ClientID = strings.TrimSpace(id.ClientID)
	if strings.TrimSpace(id.ClientVersion) == "" {
		id.ClientVersion = DefaultClientVersion
	}
	if id.RequestedFeatures == nil {
		id.RequestedFeatures = DefaultRequestedFeatures()
	}
	return id
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.ClientID) == "" {
		return ErrClientIDRequired
	}
	return nil
}

// Timing holds the engine constants that are not part of Settings.
type Timing struct {
	// Retry paces the internal handshake retry after a failed connect.
	Retry BackoffConfig
	// WatchdogGrace delays the first liveness evaluation after connect.
	WatchdogGrace time.Duration
	WatchdogTick  time.Duration
	// FirstHeartbeatGrace bounds the wait for the first peer heartbeat.
	FirstHeartbeatGrace time.Duration
	// HeartbeatTimeout is the maximum age of the last peer heartbeat.
	HeartbeatTimeout time.Duration
	CommandTimeout   time.Duration
	// StopTimeout bounds how long teardown waits for background tasks.
	StopTimeout  time.Duration
	ByeTimeout   time.Duration
	MaxLineBytes int
}

func DefaultTiming() Timing {
	return Timing{
		Retry: BackoffConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     2 * time.Second,
			Jitter:       false,
		},
		WatchdogGrace:       3 * time.Second,
		WatchdogTick:        time.Second,
		FirstHeartbeatGrace: 10 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		CommandTimeout:      5 * time.Second,
		StopTimeout:         2 * time.Second,
		ByeTimeout:          500 * time.Millisecond,
		MaxLineBytes:        128 * 1024,
	}
}

func (t Timing) WithDefaults() Timing {
	def := DefaultTiming()
	if t.Retry.InitialDelay <= 0 {
		t.Retry = def.Retry
	}
	if t.WatchdogGrace <= 0 {
		t.WatchdogGrace = def.WatchdogGrace
	}
	if t.WatchdogTick <= 0 {
		t.WatchdogTick = def.WatchdogTick
	}
	if t.FirstHeartbeatGrace <= 0 {
		t.FirstHeartbeatGrace = def.FirstHeartbeatGrace
	}
	if t.HeartbeatTimeout <= 0 {
		t.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if t.CommandTimeout <= 0 {
		t.CommandTimeout = def.CommandTimeout
	}
	if t.StopTimeout <= 0 {
		t.StopTimeout = def.StopTimeout
	}
	if t.ByeTimeout <= 0 {
		t.ByeTimeout = def.ByeTimeout
	}
	if t.MaxLineBytes <= 0 {
		t.MaxLineBytes = def.MaxLineBytes
	}
	return t
}
