package main

import (
	"context"
	"errors"

	"github.com/danmuck/groundlink/internal/auth"
	"github.com/danmuck/groundlink/internal/config"
	"github.com/danmuck/groundlink/internal/eventlog"
	"github.com/danmuck/groundlink/internal/gateway"
	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/manager"
	"github.com/danmuck/groundlink/internal/relay"
	"github.com/rs/zerolog"
)

// service owns the process wiring: event log, link manager and gateway.
type service struct {
	cfg     config.Config
	logger  zerolog.Logger
	events  *eventlog.Store
	manager *manager.Manager
	gateway *gateway.Server
	mqtt    *relay.MQTTPublisher
	relay   *relay.Relay
}

func newService(cfg config.Config, logger zerolog.Logger) (*service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &service{cfg: cfg, logger: logger}

	opts := manager.Options{
		AutoReconnect:         cfg.AutoReconnect,
		AutoReconnectInterval: cfg.AutoReconnectInterval,
	}
	var reader gateway.EventReader
	if cfg.EventLogPath != "" {
		store, err := eventlog.Open(cfg.EventLogPath, cfg.EventLogMaxRows)
		if err != nil {
			return nil, err
		}
		s.events = store
		opts.Sink = store
		reader = store
	}

	s.manager = manager.New(opts)
	if err := s.manager.Initialize(cfg.Settings, cfg.Identity); err != nil {
		_ = s.close()
		return nil, err
	}
	s.gateway = gateway.New(cfg.Identity.ClientID, cfg.AdminAddr, s.manager, reader, cfg.CORSOrigins)
	if cfg.AdminToken != "" {
		guard, err := auth.NewOperatorToken(cfg.AdminToken)
		if err != nil {
			_ = s.close()
			return nil, err
		}
		s.gateway.Operator = guard
	}

	if cfg.MQTTBroker != "" {
		pub, err := relay.DialMQTT(relay.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.Identity.ClientID,
			QoS:      cfg.MQTTQoS,
			Retain:   cfg.MQTTRetain,
		})
		if err != nil {
			_ = s.close()
			return nil, err
		}
		s.mqtt = pub
		s.relay = relay.New(s.manager, pub, cfg.RelayTopicPrefix())
	}
	return s, nil
}

// run serves the gateway until ctx ends, then releases the link and the
// event log.
func (s *service) run(ctx context.Context) error {
	s.logger.Info().
		Str("client_id", s.cfg.Identity.ClientID).
		Str("target", s.cfg.Settings.CommandAddress()).
		Str("admin_addr", s.cfg.AdminAddr).
		Bool("auto_reconnect", s.cfg.AutoReconnect).
		Bool("event_log", s.events != nil).
		Bool("mqtt_relay", s.relay != nil).
		Msg("groundctl.service.start")

	relayDone := make(chan struct{})
	if s.relay != nil {
		go func() {
			defer close(relayDone)
			s.relay.Run(ctx)
		}()
	} else {
		close(relayDone)
	}

	if s.cfg.ConnectOnStart {
		if err := s.manager.Connect(); err != nil {
			logging.Warnf("groundctl.service connect on start err=%v", err)
		}
	}

	serveErr := s.gateway.Serve(ctx)
	<-relayDone
	closeErr := s.close()
	s.logger.Info().Msg("groundctl.service.stop")
	return errors.Join(serveErr, closeErr)
}

// close stops the manager before the event log so queued events are written.
func (s *service) close() error {
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	var errs []error
	if s.manager != nil {
		if err := s.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
