package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
	"github.com/danmuck/groundlink/internal/testutil/airside"
	"github.com/danmuck/groundlink/internal/testutil/testlog"
)

func testTiming() session.Timing {
	return session.Timing{
		Retry: session.BackoffConfig{
			InitialDelay: 80 * time.Millisecond,
			Multiplier:   1,
			MaxDelay:     80 * time.Millisecond,
		},
		WatchdogGrace:       20 * time.Millisecond,
		WatchdogTick:        20 * time.Millisecond,
		FirstHeartbeatGrace: 400 * time.Millisecond,
		HeartbeatTimeout:    200 * time.Millisecond,
		CommandTimeout:      time.Second,
		StopTimeout:         2 * time.Second,
		ByeTimeout:          200 * time.Millisecond,
	}
}

type transitionRecord struct {
	from, to session.ConnectionState
	cause    string
	at       time.Time
}

type recorder struct {
	mu      sync.Mutex
	records []transitionRecord
}

func (r *recorder) StateChanged(from, to session.ConnectionState, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, transitionRecord{from: from, to: to, cause: cause, at: time.Now()})
}

func (r *recorder) states() []session.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.ConnectionState, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.to)
	}
	return out
}

func (r *recorder) last(to session.ConnectionState) (transitionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].to == to {
			return r.records[i], true
		}
	}
	return transitionRecord{}, false
}

func startPeer(t *testing.T, cfg airside.Config) (*airside.Peer, session.Settings) {
	t.Helper()
	cfg.HeartbeatPort = airside.FreeUDPPort(t)
	cfg.StatusPort = airside.FreeUDPPort(t)
	peer := airside.Start(t, cfg)
	return peer, peer.Settings()
}

func newTestSession(t *testing.T, settings session.Settings, obs Observer) *Session {
	t.Helper()
	s, err := New(settings, session.Identity{ClientID: "ground-test"}, Options{Timing: testTiming(), Observer: obs})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
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

func waitForState(t *testing.T, s *Session, want session.ConnectionState) session.ConnectionStatus {
	t.Helper()
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool {
		return s.Status().State == want
	}) {
		st := s.Status()
		t.Fatalf("expected state %s, got %s (error=%q)", want, st.State, st.ErrorMessage)
	}
	return s.Status()
}

func TestNewValidatesSettingsAndIdentity(t *testing.T) {
	testlog.Start(t)

	if _, err := New(session.Settings{CommandPort: 1, StatusListenPort: 2, HeartbeatPort: 3}, session.Identity{ClientID: "x"}, Options{}); !errors.Is(err, session.ErrTargetIPRequired) {
		t.Fatalf("expected target ip error, got %v", err)
	}
	if _, err := New(session.DefaultSettings(), session.Identity{}, Options{}); !errors.Is(err, session.ErrClientIDRequired) {
		t.Fatalf("expected client id error, got %v", err)
	}
	s, err := New(session.DefaultSettings(), session.Identity{ClientID: "g"}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Status().State != session.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.Status().State)
	}
	if s.Timing() != session.DefaultTiming() {
		t.Fatalf("expected default timing, got %+v", s.Timing())
	}
	if got := s.Identity().RequestedFeatures; !reflect.DeepEqual(got, session.DefaultRequestedFeatures()) {
		t.Fatalf("expected default features, got %v", got)
	}
}

func TestConnectReachesOperationalAndDisconnectStopsEverything(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{
		HeartbeatInterval: 30 * time.Millisecond,
		StatusInterval:    30 * time.Millisecond,
	})
	rec := &recorder{}
	s := newTestSession(t, settings, rec)

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st := waitForState(t, s, session.StateOperational)
	if st.ConnectionStartedAt.IsZero() {
		t.Fatalf("expected connection start time")
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		st := s.Status()
		return !st.LastHeartbeatSentAt.IsZero() && !st.LastHeartbeatReceivedAt.IsZero()
	}) {
		t.Fatalf("expected heartbeats both ways, got %+v", s.Status())
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return s.CameraStream().Load() != nil && s.SystemStream().Load() != nil
	}) {
		t.Fatalf("expected telemetry")
	}
	want := []string{"heartbeat-receiver", "heartbeat-sender", "status-listener", "watchdog"}
	if !waitForCondition(time.Second, 10*time.Millisecond, func() bool {
		return reflect.DeepEqual(s.RunningTasks(), want)
	}) {
		t.Fatalf("expected tasks %v, got %v", want, s.RunningTasks())
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	st = s.Status()
	if st.State != session.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", st.State)
	}
	if !st.ConnectionStartedAt.IsZero() || !st.LastHeartbeatSentAt.IsZero() || !st.LastHeartbeatReceivedAt.IsZero() {
		t.Fatalf("expected timestamps reset, got %+v", st)
	}
	if tasks := s.RunningTasks(); len(tasks) != 0 {
		t.Fatalf("expected no tasks after disconnect, got %v", tasks)
	}
	if !waitForCondition(time.Second, 10*time.Millisecond, func() bool { return peer.Byes() == 1 }) {
		t.Fatalf("expected peer to receive disconnect, got %d", peer.Byes())
	}

	gotStates := rec.states()
	wantStates := []session.ConnectionState{
		session.StateConnecting,
		session.StateConnected,
		session.StateOperational,
		session.StateDisconnected,
	}
	if !reflect.DeepEqual(gotStates, wantStates) {
		t.Fatalf("expected transitions %v, got %v", wantStates, gotStates)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if got := len(rec.states()); got != len(wantStates) {
		t.Fatalf("expected idempotent disconnect, got %d transitions", got)
	}
}

func TestConnectIgnoredWhileAttemptInFlight(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{Handshake: airside.HandshakeSilent})
	settings.ConnectionTimeout = 2 * time.Second
	s := newTestSession(t, settings, nil)

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateConnected)
	if err := s.Connect(); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("expected ErrConnectInProgress, got %v", err)
	}
	if s.Status().State != session.StateConnected {
		t.Fatalf("expected state unchanged, got %s", s.Status().State)
	}
	time.Sleep(50 * time.Millisecond)
	if got := peer.Accepts(); got != 1 {
		t.Fatalf("expected one tcp connection, got %d", got)
	}
	logs := s.Status().Logs
	if len(logs) == 0 || !strings.Contains(logs[len(logs)-1].Message, "connect ignored") {
		t.Fatalf("expected connect ignored log entry, got %+v", logs)
	}
}

func TestHandshakeTimeoutRetriesUntilDisconnect(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{Handshake: airside.HandshakeSilent})
	settings.ConnectionTimeout = 100 * time.Millisecond
	s := newTestSession(t, settings, nil)

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st := waitForState(t, s, session.StateError)
	if !strings.Contains(st.ErrorMessage, "handshake") {
		t.Fatalf("expected handshake failure cause, got %q", st.ErrorMessage)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return peer.Accepts() >= 2 }) {
		t.Fatalf("expected a retry, got %d connections", peer.Accepts())
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	accepts := peer.Accepts()
	time.Sleep(4 * testTiming().Retry.InitialDelay)
	if got := peer.Accepts(); got != accepts {
		t.Fatalf("expected no retry after disconnect, connections went %d -> %d", accepts, got)
	}
	if s.Status().State != session.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.Status().State)
	}
	if tasks := s.RunningTasks(); len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %v", tasks)
	}
}

func TestRefusedConnectionMovesToError(t *testing.T) {
	testlog.Start(t)

	settings := session.Settings{
		TargetIP:          "127.0.0.1",
		CommandPort:       airside.ClosedTCPPort(t),
		StatusListenPort:  airside.FreeUDPPort(t),
		HeartbeatPort:     airside.FreeUDPPort(t),
		ConnectionTimeout: 200 * time.Millisecond,
	}
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st := waitForState(t, s, session.StateError)
	if !strings.Contains(st.ErrorMessage, "connection failed") {
		t.Fatalf("expected connection failed cause, got %q", st.ErrorMessage)
	}
	if !st.ConnectionStartedAt.IsZero() {
		t.Fatalf("expected no connection start time after refused dial")
	}
}

func TestHandshakeRejectedMovesToError(t *testing.T) {
	testlog.Start(t)

	_, settings := startPeer(t, airside.Config{Handshake: airside.HandshakeReject})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st := waitForState(t, s, session.StateError)
	if !strings.Contains(st.ErrorMessage, "rejected") {
		t.Fatalf("expected rejected cause, got %q", st.ErrorMessage)
	}
}

func TestWatchdogFlagsMissingFirstHeartbeat(t *testing.T) {
	testlog.Start(t)

	_, settings := startPeer(t, airside.Config{})
	rec := &recorder{}
	s := newTestSession(t, settings, rec)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	started := waitForState(t, s, session.StateOperational).ConnectionStartedAt
	st := waitForState(t, s, session.StateError)
	if !strings.Contains(st.ErrorMessage, "no heartbeat received") {
		t.Fatalf("expected first-heartbeat cause, got %q", st.ErrorMessage)
	}
	flagged, ok := rec.last(session.StateError)
	if !ok {
		t.Fatalf("expected error transition")
	}
	timing := testTiming()
	elapsed := flagged.at.Sub(started)
	if elapsed < timing.FirstHeartbeatGrace {
		t.Fatalf("flagged too early: %s", elapsed)
	}
	if elapsed > timing.FirstHeartbeatGrace+timing.WatchdogTick+300*time.Millisecond {
		t.Fatalf("flagged too late: %s", elapsed)
	}
}

func TestWatchdogFlagsLostHeartbeat(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{HeartbeatInterval: 30 * time.Millisecond})
	rec := &recorder{}
	s := newTestSession(t, settings, rec)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return !s.Status().LastHeartbeatReceivedAt.IsZero()
	}) {
		t.Fatalf("expected a heartbeat")
	}

	var prev time.Time
	for i := 0; i < 5; i++ {
		cur := s.Status().LastHeartbeatReceivedAt
		if cur.Before(prev) {
			t.Fatalf("last heartbeat moved backwards: %s -> %s", prev, cur)
		}
		prev = cur
		time.Sleep(20 * time.Millisecond)
	}

	peer.SetHeartbeats(false)
	st := waitForState(t, s, session.StateError)
	if !strings.Contains(st.ErrorMessage, "heartbeat lost") {
		t.Fatalf("expected heartbeat lost cause, got %q", st.ErrorMessage)
	}
	flagged, ok := rec.last(session.StateError)
	if !ok {
		t.Fatalf("expected error transition")
	}
	timing := testTiming()
	elapsed := flagged.at.Sub(st.LastHeartbeatReceivedAt)
	if elapsed < timing.HeartbeatTimeout {
		t.Fatalf("flagged too early: %s after last heartbeat", elapsed)
	}
	if elapsed > timing.HeartbeatTimeout+timing.WatchdogTick+300*time.Millisecond {
		t.Fatalf("flagged too late: %s after last heartbeat", elapsed)
	}
}

func TestHeartbeatReceiverSurvivesJunkDatagrams(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	ground, err := protocol.Encode(protocol.New(0, protocol.Heartbeat{Sender: protocol.SenderGround, ClientID: "other-ground"}))
	if err != nil {
		t.Fatalf("encode ground heartbeat: %v", err)
	}
	air, err := protocol.Encode(protocol.New(0, protocol.Heartbeat{Sender: protocol.SenderAir, ClientID: "air-test"}))
	if err != nil {
		t.Fatalf("encode air heartbeat: %v", err)
	}

	peer.SendRaw(settings.HeartbeatPort, []byte("not json"))
	peer.SendRaw(settings.HeartbeatPort, []byte(`{"protocol_version":"1.0","message_type":"heartbeat","sequence_id":0,"timestamp":0,"payload":{"sender":"bogus","client_id":"x"}}`))
	peer.SendRaw(settings.HeartbeatPort, ground)
	time.Sleep(50 * time.Millisecond)
	if got := s.Status().LastHeartbeatReceivedAt; !got.IsZero() {
		t.Fatalf("only air heartbeats may count, got last=%s", got)
	}

	peer.SendRaw(settings.HeartbeatPort, air)
	if !waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return !s.Status().LastHeartbeatReceivedAt.IsZero()
	}) {
		t.Fatalf("expected air heartbeat after junk datagrams")
	}
	first := s.Status().LastHeartbeatReceivedAt

	time.Sleep(20 * time.Millisecond)
	peer.SendRaw(settings.HeartbeatPort, []byte("not json"))
	peer.SendRaw(settings.HeartbeatPort, air)
	if !waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return s.Status().LastHeartbeatReceivedAt.After(first)
	}) {
		t.Fatalf("expected last heartbeat to advance past %s", first)
	}
	if s.Status().State != session.StateOperational {
		t.Fatalf("junk heartbeats must not change state, got %s", s.Status().State)
	}
}

func TestConnectFromErrorStartsFreshAttempt(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateError)

	if err := s.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitForState(t, s, session.StateOperational)
	if got := peer.Accepts(); got != 2 {
		t.Fatalf("expected two tcp connections, got %d", got)
	}
	if !waitForCondition(time.Second, 10*time.Millisecond, func() bool { return len(s.RunningTasks()) == 4 }) {
		t.Fatalf("expected only the new session's tasks, got %v", s.RunningTasks())
	}
}

func TestSendCommandRoundTripAndPeerError(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{
		HeartbeatInterval: 30 * time.Millisecond,
		Handler: func(cmd protocol.Command) protocol.Response {
			if cmd.Command == protocol.CommandCameraCapture {
				return protocol.Response{
					Command: cmd.Command,
					Status:  protocol.ResponseError,
					Error:   &protocol.ErrorInfo{Code: int(protocol.CodeCommandFailed), Message: "camera busy"},
				}
			}
			return protocol.Response{Command: cmd.Command, Status: protocol.ResponseSuccess, Result: map[string]any{"ok": true}}
		},
	})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)
	ctx := context.Background()

	resp, err := s.GetSystemStatus(ctx)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if resp.Command != protocol.CommandSystemGetStatus || resp.Status != protocol.ResponseSuccess {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp, err = s.Capture(ctx)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if ce.Code != protocol.CodeCommandFailed || ce.Message != "camera busy" {
		t.Fatalf("unexpected command error %+v", ce)
	}
	if resp.Status != protocol.ResponseError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if s.Status().State != session.StateOperational {
		t.Fatalf("peer error must not change state, got %s", s.Status().State)
	}

	if _, err := s.SetCameraProperty(ctx, "iso", "800"); err != nil {
		t.Fatalf("set property: %v", err)
	}
	if _, err := s.GetCameraProperties(ctx, "iso", "shutter_speed"); err != nil {
		t.Fatalf("get properties: %v", err)
	}
	cmds := peer.Commands()
	if len(cmds) != 4 {
		t.Fatalf("expected 4 commands at peer, got %d", len(cmds))
	}
	set := cmds[2]
	if set.Command != protocol.CommandCameraSetProperty || set.Parameters["property"] != "iso" || set.Parameters["value"] != "800" {
		t.Fatalf("unexpected set_property command %+v", set)
	}
	if cmds[1].Parameters == nil {
		t.Fatalf("expected empty parameters object, got nil")
	}
}

func TestSendCommandIsSingleFlight(t *testing.T) {
	testlog.Start(t)

	_, settings := startPeer(t, airside.Config{
		HeartbeatInterval: 30 * time.Millisecond,
		Handler: func(cmd protocol.Command) protocol.Response {
			time.Sleep(5 * time.Millisecond)
			return protocol.Response{Command: cmd.Command, Status: protocol.ResponseSuccess, Result: map[string]any{"echo": cmd.Command}}
		},
	})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("test.cmd_%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.SendCommand(context.Background(), name, nil)
			if err != nil {
				errs <- err
				return
			}
			if resp.Command != name || resp.Result["echo"] != name {
				errs <- fmt.Errorf("command %s got response %+v", name, resp)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent command: %v", err)
	}
}

func TestSendCommandDropsStaleReply(t *testing.T) {
	testlog.Start(t)

	_, settings := startPeer(t, airside.Config{
		HeartbeatInterval: 30 * time.Millisecond,
		Handler: func(cmd protocol.Command) protocol.Response {
			if cmd.Command == "test.slow" {
				time.Sleep(250 * time.Millisecond)
			}
			return protocol.Response{Command: cmd.Command, Status: protocol.ResponseSuccess}
		},
	})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.SendCommand(ctx, "test.slow", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.Status().State != session.StateOperational {
		t.Fatalf("timeout must not change state, got %s", s.Status().State)
	}

	resp, err := s.SendCommand(context.Background(), "test.fast", nil)
	if err != nil {
		t.Fatalf("fast command: %v", err)
	}
	if resp.Command != "test.fast" {
		t.Fatalf("expected fast reply, got %+v", resp)
	}
}

func TestSendCommandSkipsUnsolicitedNotification(t *testing.T) {
	testlog.Start(t)

	var peerRef atomic.Pointer[airside.Peer]
	peer, settings := startPeer(t, airside.Config{
		HeartbeatInterval: 30 * time.Millisecond,
		Handler: func(cmd protocol.Command) protocol.Response {
			if cmd.Command == protocol.CommandCameraGetProperties {
				if p := peerRef.Load(); p != nil {
					p.SendLine([]byte(`{"protocol_version":"1.0","message_type":"notification","sequence_id":0,"timestamp":0,"payload":{"event":"capture_complete"}}`))
				}
				return protocol.Response{Command: cmd.Command, Status: protocol.ResponseSuccess, Result: map[string]any{"iso": 400}}
			}
			return protocol.Response{Command: cmd.Command, Status: protocol.ResponseSuccess}
		},
	})
	peerRef.Store(peer)
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	resp, err := s.GetCameraProperties(context.Background(), "iso")
	if err != nil {
		t.Fatalf("get properties: %v", err)
	}
	if resp.Command != protocol.CommandCameraGetProperties || resp.Status != protocol.ResponseSuccess {
		t.Fatalf("unexpected reply: %+v", resp)
	}
	if _, err := s.GetSystemStatus(context.Background()); err != nil {
		t.Fatalf("command after notification: %v", err)
	}
	if s.Status().State != session.StateOperational {
		t.Fatalf("notification must not change state, got %s", s.Status().State)
	}
}

// startSplitReplyPeer accepts one command connection and answers every
// request. The reply to test.split is written in two parts 150ms apart.
func startSplitReplyPeer(t *testing.T) session.Settings {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		lines := session.NewLineReader(conn, 0)
		for {
			line, err := lines.ReadLine()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(line)
			if err != nil {
				return
			}
			var resp protocol.Response
			switch p := msg.Payload.(type) {
			case protocol.Handshake:
				resp = protocol.Response{
					Command: protocol.CommandHandshake,
					Status:  protocol.ResponseSuccess,
					Result:  map[string]any{"server_id": "air-split", "server_version": "1.0.0"},
				}
			case protocol.Command:
				resp = protocol.Response{Command: p.Command, Status: protocol.ResponseSuccess}
			default:
				continue
			}
			data, err := protocol.Encode(protocol.New(msg.SequenceID, resp))
			if err != nil {
				return
			}
			data = append(data, '\n')
			if resp.Command == "test.split" {
				_, _ = conn.Write(data[:10])
				time.Sleep(150 * time.Millisecond)
				data = data[10:]
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}()

	return session.Settings{
		TargetIP:          "127.0.0.1",
		CommandPort:       ln.Addr().(*net.TCPAddr).Port,
		StatusListenPort:  airside.FreeUDPPort(t),
		HeartbeatPort:     airside.FreeUDPPort(t),
		ConnectionTimeout: time.Second,
		HeartbeatInterval: 30 * time.Millisecond,
	}
}

func TestSendCommandRecoversFromReplySplitAcrossTimeout(t *testing.T) {
	testlog.Start(t)

	settings := startSplitReplyPeer(t)
	timing := testTiming()
	timing.FirstHeartbeatGrace = 5 * time.Second
	s, err := New(settings, session.Identity{ClientID: "ground-test"}, Options{Timing: timing})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.SendCommand(ctx, "test.split", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	resp, err := s.SendCommand(context.Background(), "test.after", nil)
	if err != nil {
		t.Fatalf("command after split reply: %v", err)
	}
	if resp.Command != "test.after" {
		t.Fatalf("expected reply to test.after, got %+v", resp)
	}
	if s.Status().State != session.StateOperational {
		t.Fatalf("split reply must not change state, got %s", s.Status().State)
	}
}

func TestSendCommandRequiresOperational(t *testing.T) {
	testlog.Start(t)

	s := newTestSession(t, session.DefaultSettings(), nil)
	if _, err := s.SendCommand(context.Background(), protocol.CommandCameraCapture, nil); !errors.Is(err, ErrNotOperational) {
		t.Fatalf("expected ErrNotOperational, got %v", err)
	}
}

func TestLostCommandChannelMovesToError(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{HeartbeatInterval: 30 * time.Millisecond})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	peer.DropConnections()
	if _, err := s.GetSystemStatus(context.Background()); err == nil {
		t.Fatalf("expected error after peer closed the channel")
	}
	st := waitForState(t, s, session.StateError)
	if !strings.Contains(st.ErrorMessage, "command channel lost") {
		t.Fatalf("expected channel lost cause, got %q", st.ErrorMessage)
	}
}

func TestStatusListenerSkipsMalformedAndKeepsOptionalRecords(t *testing.T) {
	testlog.Start(t)

	peer, settings := startPeer(t, airside.Config{HeartbeatInterval: 30 * time.Millisecond})
	s := newTestSession(t, settings, nil)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForState(t, s, session.StateOperational)

	peer.SendRaw(settings.StatusListenPort, []byte("not json"))
	peer.SendRaw(settings.StatusListenPort, []byte(`{"protocol_version":"1.0","message_type":"status","sequence_id":0,"timestamp":0,"payload":{"system":{}}}`))

	withGimbal := airside.DefaultStatus()
	withGimbal.Gimbal = &protocol.GimbalStatus{Connected: true, Mode: "follow"}
	withGimbal.Downloads = &protocol.DownloadStatus{QueueSize: 3}
	peer.SendStatus(withGimbal)
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return s.GimbalStream().Load() != nil && s.DownloadsStream().Load() != nil
	}) {
		t.Fatalf("expected gimbal and downloads after malformed datagrams")
	}

	next := airside.DefaultStatus()
	next.Camera.Model = "cam-2"
	peer.SendStatus(next)
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		cam := s.CameraStream().Load()
		return cam != nil && cam.Model == "cam-2"
	}) {
		t.Fatalf("expected camera update")
	}
	if g := s.GimbalStream().Load(); g == nil || g.Mode != "follow" {
		t.Fatalf("expected gimbal retained, got %+v", g)
	}
	if d := s.DownloadsStream().Load(); d == nil || d.QueueSize != 3 {
		t.Fatalf("expected downloads retained, got %+v", d)
	}
	if s.Status().State != session.StateOperational {
		t.Fatalf("malformed telemetry must not change state, got %s", s.Status().State)
	}
}

func TestRepeatedConnectDisconnectReleasesSockets(t *testing.T) {
	testlog.Start(t)

	_, settings := startPeer(t, airside.Config{HeartbeatInterval: 30 * time.Millisecond})
	s := newTestSession(t, settings, nil)
	for i := 0; i < 3; i++ {
		if err := s.Connect(); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		waitForState(t, s, session.StateOperational)
		if err := s.Disconnect(); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
		if tasks := s.RunningTasks(); len(tasks) != 0 {
			t.Fatalf("cycle %d left tasks %v", i, tasks)
		}
		for _, port := range []int{settings.StatusListenPort, settings.HeartbeatPort} {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
			if err != nil {
				t.Fatalf("cycle %d: port %d still bound: %v", i, port, err)
			}
			_ = conn.Close()
		}
	}
}

func TestCloseRefusesConnect(t *testing.T) {
	testlog.Start(t)

	s := newTestSession(t, session.DefaultSettings(), nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Connect(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSendHeartbeatCarriesGroundIdentity(t *testing.T) {
	testlog.Start(t)

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sink.Close()
	out, err := net.ListenUDP("udp", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	defer out.Close()

	s, err := New(session.DefaultSettings(), session.Identity{ClientID: "ground-hb"}, Options{StartedAt: time.Now().Add(-3 * time.Second)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.sendHeartbeat(out, sink.LocalAddr().(*net.UDPAddr))

	buf := make([]byte, maxDatagram)
	_ = sink.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := sink.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	msg, err := protocol.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	hb, ok := msg.Payload.(protocol.Heartbeat)
	if !ok {
		t.Fatalf("expected heartbeat, got %T", msg.Payload)
	}
	if hb.Sender != protocol.SenderGround || hb.ClientID != "ground-hb" || hb.UptimeSeconds < 3 {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	if s.Status().LastHeartbeatSentAt.IsZero() {
		t.Fatalf("expected last heartbeat sent to be recorded")
	}
}

func TestCommandErrorMessage(t *testing.T) {
	testlog.Start(t)

	err := &CommandError{Command: "camera.capture", Code: protocol.CodeCommandFailed, Message: "busy", Details: "shutter"}
	if got := err.Error(); !strings.Contains(got, "code=5005") || !strings.Contains(got, "details=shutter") {
		t.Fatalf("unexpected error text %q", got)
	}
	if lostTransport(err) {
		t.Fatalf("command errors are not transport loss")
	}
}
