package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/danmuck/groundlink/internal/testutil/airside"
	"github.com/danmuck/groundlink/internal/testutil/testlog"
)

func testTiming() session.Timing {
	return session.Timing{
		Retry:               session.BackoffConfig{InitialDelay: time.Minute, Multiplier: 1},
		WatchdogGrace:       20 * time.Millisecond,
		WatchdogTick:        20 * time.Millisecond,
		FirstHeartbeatGrace: 300 * time.Millisecond,
		HeartbeatTimeout:    200 * time.Millisecond,
		CommandTimeout:      time.Second,
		StopTimeout:         2 * time.Second,
		ByeTimeout:          200 * time.Millisecond,
	}
}

type memorySink struct {
	mu     sync.Mutex
	events []session.Event
}

func (s *memorySink) Record(ev session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) kinds(kind session.EventKind) []session.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func startPeer(t *testing.T, cfg airside.Config) (*airside.Peer, session.Settings) {
	t.Helper()
	cfg.HeartbeatPort = airside.FreeUDPPort(t)
	cfg.StatusPort = airside.FreeUDPPort(t)
	peer := airside.Start(t, cfg)
	return peer, peer.Settings()
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.Timing = testTiming()
	m := New(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitForCondition(timeout time.Duration, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(interval)
	}
	return fn()
}

func waitForState(t *testing.T, m *Manager, want session.ConnectionState) {
	t.Helper()
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool {
		return m.Status().State == want
	}) {
		st := m.Status()
		t.Fatalf("expected state %s, got %s (error=%q)", want, st.State, st.ErrorMessage)
	}
}

func TestOperationsRequireInitialize(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, Options{})
	if err := m.Connect(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from connect, got %v", err)
	}
	if err := m.Disconnect(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from disconnect, got %v", err)
	}
	if _, err := m.SendCommand(context.Background(), protocol.CommandCameraCapture, nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from send, got %v", err)
	}
	if _, ok := m.Settings(); ok {
		t.Fatalf("expected no settings before initialize")
	}
	if err := m.Initialize(session.Settings{}, session.Identity{ClientID: "g"}); err == nil {
		t.Fatalf("expected invalid settings to be rejected")
	}
}

func TestInitializeForwardsStatusAcrossReplacement(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{
		HeartbeatInterval: 30 * time.Millisecond,
		StatusInterval:    30 * time.Millisecond,
	})
	m := newTestManager(t, Options{})
	statusCh, cancel := m.StatusStream().Subscribe()
	defer cancel()

	if err := m.Initialize(settings, session.Identity{ClientID: "ground-a"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, session.StateOperational)
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return m.Telemetry().Camera != nil
	}) {
		t.Fatalf("expected forwarded camera telemetry")
	}
	resp, err := m.SendCommand(context.Background(), protocol.CommandSystemGetStatus, nil)
	if err != nil || resp.Status != protocol.ResponseSuccess {
		t.Fatalf("send command: resp=%+v err=%v", resp, err)
	}

	if err := m.Initialize(settings, session.Identity{ClientID: "ground-b"}); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	waitForState(t, m, session.StateDisconnected)
	if id, ok := m.Identity(); !ok || id.ClientID != "ground-b" {
		t.Fatalf("expected new identity, got %+v ok=%v", id, ok)
	}
	if !waitForCondition(time.Second, 10*time.Millisecond, func() bool { return peer.Byes() == 1 }) {
		t.Fatalf("expected previous session to say goodbye, got %d", peer.Byes())
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("connect new session: %v", err)
	}
	waitForState(t, m, session.StateOperational)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st, ok := <-statusCh:
			if !ok {
				t.Fatalf("stable status stream closed by session replacement")
			}
			if st.State == session.StateOperational {
				return
			}
		case <-deadline:
			t.Fatalf("expected operational on the stable stream")
		}
	}
}

func TestAutoReconnectAfterWatchdogError(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{})
	sink := &memorySink{}
	m := newTestManager(t, Options{Sink: sink, AutoReconnect: true, AutoReconnectInterval: 100 * time.Millisecond})
	if err := m.Initialize(settings, session.Identity{ClientID: "ground-auto"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, session.StateError)
	flagged := time.Now()

	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool { return peer.Accepts() >= 2 }) {
		t.Fatalf("expected auto-reconnect, got %d connections", peer.Accepts())
	}
	if elapsed := time.Since(flagged); elapsed < 90*time.Millisecond {
		t.Fatalf("reconnected before the interval: %s", elapsed)
	}
	if !waitForCondition(time.Second, 10*time.Millisecond, func() bool {
		return len(sink.kinds(session.EventReconnect)) >= 1
	}) {
		t.Fatalf("expected reconnect event")
	}
}

func TestManualDisconnectSuppressesAutoReconnect(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{HeartbeatInterval: 30 * time.Millisecond})
	m := newTestManager(t, Options{AutoReconnect: true, AutoReconnectInterval: 50 * time.Millisecond})
	if err := m.Initialize(settings, session.Identity{ClientID: "ground-manual"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, session.StateOperational)
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitForState(t, m, session.StateDisconnected)

	time.Sleep(300 * time.Millisecond)
	if got := peer.Accepts(); got != 1 {
		t.Fatalf("expected no reconnect after manual disconnect, got %d connections", got)
	}
	if m.Status().State != session.StateDisconnected {
		t.Fatalf("expected to stay disconnected, got %s", m.Status().State)
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("explicit connect: %v", err)
	}
	waitForState(t, m, session.StateOperational)
}

func TestAutoReconnectDisabledLeavesError(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{})
	m := newTestManager(t, Options{AutoReconnect: false})
	if err := m.Initialize(settings, session.Identity{ClientID: "ground-off"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, session.StateError)
	time.Sleep(300 * time.Millisecond)
	if got := peer.Accepts(); got != 1 {
		t.Fatalf("expected no reconnect with auto-reconnect off, got %d", got)
	}
}

func TestConfigureAutoReconnect(t *testing.T) {
	testlog.Start(t)

	m := newTestManager(t, Options{})
	if enabled, _ := m.AutoReconnect(); enabled {
		t.Fatalf("expected auto-reconnect off")
	}
	m.ConfigureAutoReconnect(true, 0)
	enabled, interval := m.AutoReconnect()
	if !enabled || interval != DefaultAutoReconnectInterval {
		t.Fatalf("expected default interval, got enabled=%v interval=%s", enabled, interval)
	}
	m.ConfigureAutoReconnect(true, 2*time.Second)
	if _, interval := m.AutoReconnect(); interval != 2*time.Second {
		t.Fatalf("expected 2s, got %s", interval)
	}
	m.ConfigureAutoReconnect(false, 0)
	if enabled, _ := m.AutoReconnect(); enabled {
		t.Fatalf("expected auto-reconnect off")
	}
}

func TestEventSinkReceivesTransitionsAndCommands(t *testing.T) {
	testlog.Start(t)

	_, settings := startPeer(t, airside.Config{HeartbeatInterval: 30 * time.Millisecond})
	sink := &memorySink{}
	m := New(Options{Timing: testTiming(), Sink: sink})
	if err := m.Initialize(settings, session.Identity{ClientID: "ground-sink"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, m, session.StateOperational)
	if _, err := m.SendCommand(context.Background(), protocol.CommandCameraCapture, nil); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []session.ConnectionState
	for _, ev := range sink.kinds(session.EventTransition) {
		got = append(got, ev.To)
		if ev.Target != settings.CommandAddress() {
			t.Fatalf("expected target %s, got %s", settings.CommandAddress(), ev.Target)
		}
	}
	want := []session.ConnectionState{
		session.StateConnecting,
		session.StateConnected,
		session.StateOperational,
		session.StateDisconnected,
	}
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}
	if cmds := sink.kinds(session.EventCommand); len(cmds) != 1 {
		t.Fatalf("expected one command event, got %d", len(cmds))
	}

	if err := m.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
