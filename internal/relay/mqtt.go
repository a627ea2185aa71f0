package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/danmuck/groundlink/internal/logging"
)

var (
	ErrBrokerRequired = errors.New("relay: broker required")
	ErrNotConnected   = errors.New("relay: mqtt not connected")
	ErrPublishTimeout = errors.New("relay: publish timeout")
)

const (
	connectWait    = 5 * time.Second
	publishWait    = 2 * time.Second
	disconnectWait = 250 // milliseconds
)

type MQTTConfig struct {
	// Broker is host:port; a scheme prefix is kept as given.
	Broker   string
	ClientID string
	QoS      byte
	// Retain marks every publish retained so late subscribers get the last
	// snapshot.
	Retain bool
}

// MQTTPublisher publishes over a paho client that reconnects on its own.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	retain bool
}

// DialMQTT starts the client. A broker that is not reachable yet is not an
// error: the client keeps retrying and publishes fail with ErrNotConnected
// until it connects.
func DialMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, ErrBrokerRequired
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logging.Infof("relay.MQTTPublisher connected broker=%s client_id=%s", broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warnf("relay.MQTTPublisher connection lost broker=%s err=%v", broker, err)
	}

	p := &MQTTPublisher{client: mqtt.NewClient(opts), qos: cfg.QoS, retain: cfg.Retain}
	token := p.client.Connect()
	if !token.WaitTimeout(connectWait) {
		logging.Warnf("relay.MQTTPublisher broker=%s not reachable yet, retrying in background", broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		p.client.Disconnect(disconnectWait)
		return nil, fmt.Errorf("relay: mqtt connect %s: %w", broker, err)
	}
	return p, nil
}

func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishWait) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectWait)
}
