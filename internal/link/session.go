package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/observability"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// Observer receives every state transition synchronously, in order. It must
// not call back into the Session that reports it.
type Observer interface {
	StateChanged(from, to session.ConnectionState, cause string)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(from, to session.ConnectionState, cause string)

func (f ObserverFunc) StateChanged(from, to session.ConnectionState, cause string) {
	f(from, to, cause)
}

type Options struct {
	Timing   session.Timing
	Observer Observer
	// StartedAt anchors heartbeat uptime_seconds. Defaults to New's call time.
	StartedAt time.Time
}

// Session is one ground-side link to the Air-Side.
type Session struct {
	settings  session.Settings
	identity  session.Identity
	timing    session.Timing
	observer  Observer
	startedAt time.Time

	status    *session.Cell[session.ConnectionStatus]
	system    *session.Cell[*protocol.SystemStatus]
	camera    *session.Cell[*protocol.CameraStatus]
	gimbal    *session.Cell[*protocol.GimbalStatus]
	downloads *session.Cell[*protocol.DownloadStatus]

	seq atomic.Uint64

	// opMu serializes Connect, Disconnect and Close.
	opMu sync.Mutex

	// mu guards the fields below. Background tasks only ever take mu.
	mu      sync.Mutex
	gen     uint64
	attempt *taskGroup
	active  *transport
	closed  bool

	// cmdMu keeps at most one command outstanding.
	cmdMu sync.Mutex
}

func New(settings session.Settings, identity session.Identity, opts Options) (*Session, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	identity = identity.WithDefaults()
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	s := &Session{
		settings:  settings,
		identity:  identity,
		timing:    opts.Timing.WithDefaults(),
		observer:  opts.Observer,
		startedAt: startedAt,
		status: session.NewCell(session.ConnectionStatus{
			State:         session.StateDisconnected,
			TargetAddress: settings.TargetIP,
			TargetPort:    settings.CommandPort,
		}),
		system:    session.NewCell[*protocol.SystemStatus](nil),
		camera:    session.NewCell[*protocol.CameraStatus](nil),
		gimbal:    session.NewCell[*protocol.GimbalStatus](nil),
		downloads: session.NewCell[*protocol.DownloadStatus](nil),
	}
	return s, nil
}

func (s *Session) Settings() session.Settings { return s.settings }
func (s *Session) Identity() session.Identity { return s.identity }
func (s *Session) Timing() session.Timing     { return s.timing }

func (s *Session) Status() session.ConnectionStatus { return s.status.Load() }

func (s *Session) StatusStream() session.Observable[session.ConnectionStatus] { return s.status }

func (s *Session) SystemStream() session.Observable[*protocol.SystemStatus] { return s.system }

func (s *Session) CameraStream() session.Observable[*protocol.CameraStatus] { return s.camera }

func (s *Session) GimbalStream() session.Observable[*protocol.GimbalStatus] { return s.gimbal }

func (s *Session) DownloadsStream() session.Observable[*protocol.DownloadStatus] { return s.downloads }

// RunningTasks names the background tasks that have not returned yet.
func (s *Session) RunningTasks() []string {
	s.mu.Lock()
	attempt, active := s.attempt, s.active
	s.mu.Unlock()
	var out []string
	if attempt != nil {
		out = append(out, attempt.Running()...)
	}
	if active != nil && active.loops != nil {
		out = append(out, active.loops.Running()...)
	}
	return out
}

// Connect starts a connect attempt in the background and returns immediately.
// It is a no-op returning ErrConnectInProgress while an attempt or live
// session already owns the link.
func (s *Session) Connect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	st := s.status.Load()
	if st.State.Busy() {
		logging.Warnf("link.Session.connect ignored state=%s target=%s", st.State, s.settings.CommandAddress())
		s.appendLog(session.LogWarning, fmt.Sprintf("connect ignored: already %s", st.State))
		return ErrConnectInProgress
	}

	// An Error state may still hold a pending retry or a live transport the
	// watchdog gave up on.
	if err := s.teardown(false); err != nil {
		logging.Warnf("link.Session.connect cleanup err=%v", err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	group := newTaskGroup()
	s.attempt = group
	s.mu.Unlock()

	logging.Infof("link.Session.connect target=%s client_id=%s", s.settings.CommandAddress(), s.identity.ClientID)
	s.transition(session.StateConnecting, "", session.LogInfo,
		fmt.Sprintf("connecting to %s", s.settings.CommandAddress()),
		session.ConnectionStatus.ResetTimestamps)
	group.Go("connect", func(ctx context.Context) error {
		return s.runAttempt(ctx, gen)
	})
	return nil
}

// Disconnect tears the link down and leaves it Disconnected. It is idempotent.
// Cleanup failures are logged individually and returned joined.
func (s *Session) Disconnect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.disconnectLocked()
}

// Close disconnects and refuses further connects.
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Session) disconnectLocked() error {
	prev := s.status.Load().State
	err := s.teardown(true)
	if err != nil {
		logging.Warnf("link.Session.disconnect cleanup err=%v", err)
	}
	if prev != session.StateDisconnected {
		logging.Infof("link.Session.disconnect target=%s prev=%s", s.settings.CommandAddress(), prev)
		s.transition(session.StateDisconnected, "", session.LogInfo, "disconnected",
			session.ConnectionStatus.ResetTimestamps)
	}
	return err
}

// teardown invalidates the current generation, then stops the connect worker
// and the live transport. State is left for the caller to set.
func (s *Session) teardown(sendBye bool) error {
	s.mu.Lock()
	s.gen++
	attempt, t := s.attempt, s.active
	s.attempt, s.active = nil, nil
	s.mu.Unlock()

	var errs []error
	if t != nil && sendBye {
		if err := t.sendBye(s.nextSeq(), s.timing.ByeTimeout); err != nil {
			logging.Warnf("link.Session.disconnect bye failed err=%v", err)
		}
	}
	if attempt != nil {
		if err := attempt.Stop(s.timing.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("connect worker: %w", err))
		}
	}
	if t != nil {
		if t.loops != nil {
			if err := t.loops.Stop(s.timing.StopTimeout); err != nil {
				errs = append(errs, fmt.Errorf("background tasks: %w", err))
			}
		}
		if err := t.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) nextSeq() uint64 {
	return s.seq.Add(1) - 1
}

// transition publishes a new state with a log entry and notifies the observer
// when the state actually changed.
func (s *Session) transition(to session.ConnectionState, cause string, level session.LogLevel, msg string, mutate func(session.ConnectionStatus) session.ConnectionStatus) {
	now := time.Now()
	var from session.ConnectionState
	s.status.Update(func(st session.ConnectionStatus) session.ConnectionStatus {
		from = st.State
		if mutate != nil {
			st = mutate(st)
		}
		return st.WithState(to, cause).WithLog(now, level, msg)
	})
	s.notify(from, to, cause)
}

func (s *Session) notify(from, to session.ConnectionState, cause string) {
	if from == to {
		return
	}
	observability.RecordStateTransition(to.String(), int(to))
	if s.observer != nil {
		s.observer.StateChanged(from, to, cause)
	}
}

func (s *Session) appendLog(level session.LogLevel, msg string) {
	now := time.Now()
	s.status.Update(func(st session.ConnectionStatus) session.ConnectionStatus {
		return st.WithLog(now, level, msg)
	})
}

// failIfCurrent moves a busy link of generation gen to Error.
func (s *Session) failIfCurrent(gen uint64, cause string) bool {
	_, failed := s.failWhen(gen, func(session.ConnectionStatus) (string, bool) {
		return cause, true
	})
	return failed
}

// failWhen moves a busy link of generation gen to Error when check reports a
// failure for the current snapshot. The check and the write are atomic.
func (s *Session) failWhen(gen uint64, check func(session.ConnectionStatus) (string, bool)) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return "", false
	}
	now := time.Now()
	var from session.ConnectionState
	var cause string
	_, changed := s.status.UpdateIf(func(st session.ConnectionStatus) (session.ConnectionStatus, bool) {
		if !st.State.Busy() {
			return st, false
		}
		msg, fail := check(st)
		if !fail {
			return st, false
		}
		from, cause = st.State, msg
		return st.WithState(session.StateError, msg).WithLog(now, session.LogError, msg), true
	})
	if changed {
		s.notify(from, session.StateError, cause)
	}
	return cause, changed
}
