package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/groundlink/internal/link"
	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// DefaultAutoReconnectInterval is the wait between a link going down and the
// automatic reconnect.
const DefaultAutoReconnectInterval = 5 * time.Second

const eventBuffer = 64

var (
	ErrNotInitialized = errors.New("manager: not initialized")
	ErrClosed         = errors.New("manager: closed")
)

// EventSink persists link events. Record is called from a single goroutine.
type EventSink interface {
	Record(ev session.Event) error
}

type Options struct {
	Timing                session.Timing
	Sink                  EventSink
	AutoReconnect         bool
	AutoReconnectInterval time.Duration
}

// Telemetry is the latest record of each kind; nil until first received.
type Telemetry struct {
	System    *protocol.SystemStatus   `json:"system"`
	Camera    *protocol.CameraStatus   `json:"camera"`
	Gimbal    *protocol.GimbalStatus   `json:"gimbal"`
	Downloads *protocol.DownloadStatus `json:"downloads"`
}

type Manager struct {
	timing    session.Timing
	startedAt time.Time

	status    *session.Cell[session.ConnectionStatus]
	system    *session.Cell[*protocol.SystemStatus]
	camera    *session.Cell[*protocol.CameraStatus]
	gimbal    *session.Cell[*protocol.GimbalStatus]
	downloads *session.Cell[*protocol.DownloadStatus]

	// opMu serializes Initialize, ConfigureAutoReconnect and Close.
	opMu sync.Mutex

	mu               sync.Mutex
	current          *link.Session
	fwd              *forwarders
	manualDisconnect bool
	autoEnabled      bool
	autoInterval     time.Duration
	monitorCancel    context.CancelFunc
	monitorDone      chan struct{}
	closed           bool

	sink       EventSink
	eventsMu   sync.RWMutex
	events     chan session.Event
	eventsShut bool
	sinkDone   chan struct{}
}

func New(opts Options) *Manager {
	m := &Manager{
		timing:           opts.Timing,
		startedAt:        time.Now(),
		status:           session.NewCell(session.ConnectionStatus{State: session.StateDisconnected}),
		system:           session.NewCell[*protocol.SystemStatus](nil),
		camera:           session.NewCell[*protocol.CameraStatus](nil),
		gimbal:           session.NewCell[*protocol.GimbalStatus](nil),
		downloads:        session.NewCell[*protocol.DownloadStatus](nil),
		manualDisconnect: true,
		sink:             opts.Sink,
	}
	if m.sink != nil {
		m.events = make(chan session.Event, eventBuffer)
		m.sinkDone = make(chan struct{})
		go m.runSink()
	}
	m.ConfigureAutoReconnect(opts.AutoReconnect, opts.AutoReconnectInterval)
	return m
}

// Initialize replaces the current session with a new one built from settings
// and identity. The previous session is closed first. The new session stays
// Disconnected until Connect.
func (m *Manager) Initialize(settings session.Settings, identity session.Identity) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	var next *link.Session
	next, err := link.New(settings, identity, link.Options{
		Timing:    m.timing,
		StartedAt: m.startedAt,
		Observer: link.ObserverFunc(func(from, to session.ConnectionState, cause string) {
			m.emit(session.Event{
				Kind:   session.EventTransition,
				From:   from,
				To:     to,
				Target: next.Settings().CommandAddress(),
				Detail: cause,
			})
		}),
	})
	if err != nil {
		return fmt.Errorf("manager: initialize: %w", err)
	}

	m.retire()

	fw := &forwarders{}
	forward(fw, next.StatusStream(), m.status)
	forward(fw, next.SystemStream(), m.system)
	forward(fw, next.CameraStream(), m.camera)
	forward(fw, next.GimbalStream(), m.gimbal)
	forward(fw, next.DownloadsStream(), m.downloads)

	m.mu.Lock()
	m.current = next
	m.fwd = fw
	m.manualDisconnect = true
	m.mu.Unlock()

	logging.Infof("manager.Manager.initialize target=%s client_id=%s",
		next.Settings().CommandAddress(), next.Identity().ClientID)
	return nil
}

// retire closes the current session and stops its forwarders. Callers hold opMu.
func (m *Manager) retire() {
	m.mu.Lock()
	prev, fw := m.current, m.fwd
	m.current, m.fwd = nil, nil
	m.mu.Unlock()
	if prev == nil {
		return
	}
	if err := prev.Close(); err != nil {
		logging.Warnf("manager.Manager.retire target=%s err=%v", prev.Settings().CommandAddress(), err)
	}
	fw.stop()
}

func (m *Manager) session() (*link.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.current == nil {
		return nil, ErrNotInitialized
	}
	return m.current, nil
}

// Connect clears the manual-disconnect flag and starts a connect attempt.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.current != nil {
		m.manualDisconnect = false
	}
	m.mu.Unlock()
	s, err := m.session()
	if err != nil {
		return err
	}
	return s.Connect()
}

// Disconnect sets the manual-disconnect flag and tears the link down.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.manualDisconnect = true
	m.mu.Unlock()
	s, err := m.session()
	if err != nil {
		return err
	}
	return s.Disconnect()
}

func (m *Manager) SendCommand(ctx context.Context, name string, params map[string]any) (protocol.Response, error) {
	s, err := m.session()
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := s.SendCommand(ctx, name, params)
	state := s.Status().State
	detail := fmt.Sprintf("command=%s status=%s", name, resp.Status)
	if err != nil {
		detail = fmt.Sprintf("command=%s err=%v", name, err)
	}
	m.emit(session.Event{
		Kind:   session.EventCommand,
		From:   state,
		To:     state,
		Target: s.Settings().CommandAddress(),
		Detail: detail,
	})
	return resp, err
}

// Settings returns the current session's settings.
func (m *Manager) Settings() (session.Settings, bool) {
	s, err := m.session()
	if err != nil {
		return session.Settings{}, false
	}
	return s.Settings(), true
}

func (m *Manager) Identity() (session.Identity, bool) {
	s, err := m.session()
	if err != nil {
		return session.Identity{}, false
	}
	return s.Identity(), true
}

func (m *Manager) Status() session.ConnectionStatus { return m.status.Load() }

func (m *Manager) Telemetry() Telemetry {
	return Telemetry{
		System:    m.system.Load(),
		Camera:    m.camera.Load(),
		Gimbal:    m.gimbal.Load(),
		Downloads: m.downloads.Load(),
	}
}

func (m *Manager) StatusStream() session.Observable[session.ConnectionStatus] { return m.status }

func (m *Manager) SystemStream() session.Observable[*protocol.SystemStatus] { return m.system }

func (m *Manager) CameraStream() session.Observable[*protocol.CameraStatus] { return m.camera }

func (m *Manager) GimbalStream() session.Observable[*protocol.GimbalStatus] { return m.gimbal }

func (m *Manager) DownloadsStream() session.Observable[*protocol.DownloadStatus] { return m.downloads }

// Close stops the monitor, closes the session and flushes the event sink.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.stopMonitor()
	m.retire()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.sink != nil {
		m.eventsMu.Lock()
		m.eventsShut = true
		close(m.events)
		m.eventsMu.Unlock()
		<-m.sinkDone
	}
	logging.Infof("manager.Manager.close")
	return nil
}

func (m *Manager) emit(ev session.Event) {
	if m.sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsShut {
		return
	}
	select {
	case m.events <- ev:
	default:
		logging.Warnf("manager.Manager.emit dropped kind=%s to=%s", ev.Kind, ev.To)
	}
}

func (m *Manager) runSink() {
	defer close(m.sinkDone)
	for ev := range m.events {
		if err := m.sink.Record(ev); err != nil {
			logging.Warnf("manager.Manager.sink kind=%s err=%v", ev.Kind, err)
		}
	}
}
