package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// ConfigureAutoReconnect enables or disables automatic reconnection. An
// interval <= 0 selects DefaultAutoReconnectInterval. Reconfiguring restarts
// the monitor with the new interval.
func (m *Manager) ConfigureAutoReconnect(enabled bool, interval time.Duration) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if interval <= 0 {
		interval = DefaultAutoReconnectInterval
	}
	m.stopMonitor()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoEnabled = enabled
	m.autoInterval = interval
	if !enabled || m.closed {
		logging.Infof("manager.Manager.auto_reconnect enabled=false")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.monitorCancel, m.monitorDone = cancel, done
	go func() {
		defer close(done)
		m.runMonitor(ctx, interval)
	}()
	logging.Infof("manager.Manager.auto_reconnect enabled=true interval=%s", interval)
}

// AutoReconnect reports the current auto-reconnect configuration.
func (m *Manager) AutoReconnect() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoEnabled, m.autoInterval
}

func (m *Manager) stopMonitor() {
	m.mu.Lock()
	cancel, done := m.monitorCancel, m.monitorDone
	m.monitorCancel, m.monitorDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runMonitor watches the forwarded status. When the link goes down without a
// manual disconnect it waits interval, re-checks, and reconnects.
func (m *Manager) runMonitor(ctx context.Context, interval time.Duration) {
	updates, unsubscribe := m.status.Subscribe()
	defer unsubscribe()
	for {
		var st session.ConnectionStatus
		select {
		case <-ctx.Done():
			return
		case st = <-updates:
		}
		if !m.shouldReconnect(st.State) {
			continue
		}
		logging.Infof("manager.Manager.monitor state=%s reconnect_in=%s", st.State, interval)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cur := m.status.Load().State
		if !m.shouldReconnect(cur) {
			logging.Debugf("manager.Manager.monitor skip state=%s", cur)
			continue
		}
		m.autoConnect(cur)
	}
}

func (m *Manager) shouldReconnect(state session.ConnectionState) bool {
	if !state.Down() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.current != nil && !m.manualDisconnect
}

func (m *Manager) autoConnect(from session.ConnectionState) {
	s, err := m.session()
	if err != nil {
		return
	}
	observability.RecordReconnect("auto")
	m.emit(session.Event{
		Kind:   session.EventReconnect,
		From:   from,
		To:     session.StateConnecting,
		Target: s.Settings().CommandAddress(),
		Detail: fmt.Sprintf("auto-reconnect from %s", from),
	})
	logging.Infof("manager.Manager.monitor reconnect target=%s from=%s", s.Settings().CommandAddress(), from)
	if err := s.Connect(); err != nil {
		logging.Warnf("manager.Manager.monitor reconnect err=%v", err)
	}
}
