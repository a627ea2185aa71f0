// Package config loads and renders the groundctl TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/google/uuid"
)

const (
	DefaultAdminAddr       = "127.0.0.1:8085"
	DefaultEventLogPath    = "groundlink-events.db"
	DefaultEventLogMaxRows = 10000
	defaultAutoReconnect   = 5 * time.Second
)

var (
	ErrAdminAddrRequired = errors.New("config: admin_addr required")
	ErrInvalidInterval   = errors.New("config: invalid interval")
	ErrInvalidQoS        = errors.New("config: mqtt_qos must be 0, 1 or 2")
)

// Config is everything groundctl needs to start.
type Config struct {
	Settings              session.Settings
	Identity              session.Identity
	AutoReconnect         bool
	AutoReconnectInterval time.Duration
	ConnectOnStart        bool
	AdminAddr             string
	// AdminToken, when set, is required as a bearer token on gateway routes
	// that change link state.
	AdminToken string
	// EventLogPath empty disables the event log.
	EventLogPath    string
	EventLogMaxRows int
	CORSOrigins     []string

	// MQTTBroker empty disables the telemetry relay.
	MQTTBroker string
	// MQTTTopicPrefix defaults to groundlink/<client_id>.
	MQTTTopicPrefix string
	MQTTQoS         byte
	MQTTRetain      bool
}

// fileConfig mirrors the TOML keys. Durations are Go duration strings.
type fileConfig struct {
	TargetIP                     string   `toml:"target_ip" comment:"Air-Side address"`
	CommandPort                  int      `toml:"command_port" comment:"Air-Side TCP command port"`
	StatusListenPort             int      `toml:"status_listen_port" comment:"local UDP port for status broadcasts"`
	HeartbeatPort                int      `toml:"heartbeat_port" comment:"UDP heartbeat port, both directions"`
	ConnectionTimeout            string   `toml:"connection_timeout" comment:"TCP connect and handshake timeout"`
	HeartbeatInterval            string   `toml:"heartbeat_interval"`
	StatusBroadcastInterval      string   `toml:"status_broadcast_interval" comment:"expected Air-Side status period, informational"`
	ClientID                     string   `toml:"client_id" comment:"empty generates ground-<random>"`
	ClientVersion                string   `toml:"client_version"`
	RequestedFeatures            []string `toml:"requested_features"`
	AutoReconnect                bool     `toml:"auto_reconnect"`
	AutoReconnectIntervalSeconds float64  `toml:"auto_reconnect_interval_seconds"`
	ConnectOnStart               bool     `toml:"connect_on_start"`
	AdminAddr                    string   `toml:"admin_addr" comment:"gateway listen address"`
	AdminToken                   string   `toml:"admin_token" comment:"bearer token for connect, disconnect and commands; empty leaves them open"`
	EventLogPath                 string   `toml:"event_log_path" comment:"sqlite event log, empty disables"`
	EventLogMaxRows              int      `toml:"event_log_max_rows"`
	CORSOrigins                  []string `toml:"cors_origins"`
	MQTTBroker                   string   `toml:"mqtt_broker" comment:"host:port of the telemetry relay broker, empty disables"`
	MQTTTopicPrefix              string   `toml:"mqtt_topic_prefix" comment:"empty uses groundlink/<client_id>"`
	MQTTQoS                      int      `toml:"mqtt_qos"`
	MQTTRetain                   bool     `toml:"mqtt_retain"`
}

// NewClientID returns a fresh ground-<8 hex> identifier.
func NewClientID() string {
	return "ground-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func Default() Config {
	return Config{
		Settings: session.DefaultSettings(),
		Identity: session.Identity{
			ClientID:          NewClientID(),
			ClientVersion:     session.DefaultClientVersion,
			RequestedFeatures: session.DefaultRequestedFeatures(),
		},
		AutoReconnect:         true,
		AutoReconnectInterval: defaultAutoReconnect,
		AdminAddr:             DefaultAdminAddr,
		EventLogPath:          DefaultEventLogPath,
		EventLogMaxRows:       DefaultEventLogMaxRows,
		CORSOrigins:           []string{"http://localhost:3000"},
	}
}

// Load decodes path over Default. Only keys present in the file override
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load groundctl config: %w", err)
	}

	if meta.IsDefined("target_ip") {
		cfg.Settings.TargetIP = strings.TrimSpace(raw.TargetIP)
	}
	if meta.IsDefined("command_port") {
		cfg.Settings.CommandPort = raw.CommandPort
	}
	if meta.IsDefined("status_listen_port") {
		cfg.Settings.StatusListenPort = raw.StatusListenPort
	}
	if meta.IsDefined("heartbeat_port") {
		cfg.Settings.HeartbeatPort = raw.HeartbeatPort
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connection_timeout", raw.ConnectionTimeout, &cfg.Settings.ConnectionTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Settings.HeartbeatInterval},
		{"status_broadcast_interval", raw.StatusBroadcastInterval, &cfg.Settings.StatusBroadcastInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%w: %s=%s", ErrInvalidInterval, d.key, v)
		}
		*d.dst = v
	}

	if meta.IsDefined("client_id") {
		if id := strings.TrimSpace(raw.ClientID); id != "" {
			cfg.Identity.ClientID = id
		}
	}
	if meta.IsDefined("client_version") {
		cfg.Identity.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	}
	if meta.IsDefined("requested_features") {
		cfg.Identity.RequestedFeatures = normalizeList(raw.RequestedFeatures)
	}

	if meta.IsDefined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("auto_reconnect_interval_seconds") {
		if raw.AutoReconnectIntervalSeconds <= 0 {
			return Config{}, fmt.Errorf("%w: auto_reconnect_interval_seconds=%v", ErrInvalidInterval, raw.AutoReconnectIntervalSeconds)
		}
		cfg.AutoReconnectInterval = time.Duration(raw.AutoReconnectIntervalSeconds * float64(time.Second))
	}
	if meta.IsDefined("connect_on_start") {
		cfg.ConnectOnStart = raw.ConnectOnStart
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("event_log_path") {
		cfg.EventLogPath = strings.TrimSpace(raw.EventLogPath)
	}
	if meta.IsDefined("event_log_max_rows") {
		cfg.EventLogMaxRows = raw.EventLogMaxRows
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	if meta.IsDefined("mqtt_broker") {
		cfg.MQTTBroker = strings.TrimSpace(raw.MQTTBroker)
	}
	if meta.IsDefined("mqtt_topic_prefix") {
		cfg.MQTTTopicPrefix = strings.TrimSpace(raw.MQTTTopicPrefix)
	}
	if meta.IsDefined("mqtt_qos") {
		if raw.MQTTQoS < 0 || raw.MQTTQoS > 2 {
			return Config{}, fmt.Errorf("%w: got %d", ErrInvalidQoS, raw.MQTTQoS)
		}
		cfg.MQTTQoS = byte(raw.MQTTQoS)
	}
	if meta.IsDefined("mqtt_retain") {
		cfg.MQTTRetain = raw.MQTTRetain
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.AdminAddr) == "" {
		return ErrAdminAddrRequired
	}
	if c.AutoReconnectInterval <= 0 {
		return fmt.Errorf("%w: auto_reconnect_interval=%s", ErrInvalidInterval, c.AutoReconnectInterval)
	}
	if c.MQTTQoS > 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidQoS, c.MQTTQoS)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// RelayTopicPrefix is the MQTT topic prefix the relay publishes under.
func (c Config) RelayTopicPrefix() string {
	if c.MQTTTopicPrefix != "" {
		return c.MQTTTopicPrefix
	}
	return "groundlink/" + c.Identity.ClientID
}
