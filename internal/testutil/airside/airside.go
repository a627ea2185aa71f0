// Package airside is a loopback stand-in for the Air-Side service used by
// link and manager tests.
package airside

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

type HandshakeMode int

const (
	HandshakeAccept HandshakeMode = iota
	HandshakeReject
	// HandshakeSilent accepts the TCP connection and never answers.
	HandshakeSilent
)

// Handler answers one command. The peer stamps the request's sequence id on
// the returned response.
type Handler func(cmd protocol.Command) protocol.Response

type Config struct {
	// HeartbeatPort and StatusPort are where the ground side listens on
	// 127.0.0.1.
	HeartbeatPort int
	StatusPort    int
	// HeartbeatInterval enables Air-Side heartbeats when > 0.
	HeartbeatInterval time.Duration
	// StatusInterval enables periodic status broadcasts when > 0.
	StatusInterval time.Duration
	Handshake      HandshakeMode
	Handler        Handler
	ServerID       string
}

type Peer struct {
	t   testing.TB
	cfg Config
	ln  net.Listener
	udp *net.UDPConn

	heartbeats atomic.Bool
	accepts    atomic.Int32
	byes       atomic.Int32

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []protocol.Command

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func Start(t testing.TB, cfg Config) *Peer {
	t.Helper()
	if cfg.ServerID == "" {
		cfg.ServerID = "air-test"
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("airside listen: %v", err)
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		_ = ln.Close()
		t.Fatalf("airside udp: %v", err)
	}
	p := &Peer{
		t:     t,
		cfg:   cfg,
		ln:    ln,
		udp:   udp,
		conns: make(map[net.Conn]struct{}),
		stop:  make(chan struct{}),
	}
	p.heartbeats.Store(cfg.HeartbeatInterval > 0)

	p.wg.Add(1)
	go p.acceptLoop()
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatPort > 0 {
		p.wg.Add(1)
		go p.every(cfg.HeartbeatInterval, p.sendHeartbeat)
	}
	if cfg.StatusInterval > 0 && cfg.StatusPort > 0 {
		p.wg.Add(1)
		go p.every(cfg.StatusInterval, func() { p.SendStatus(DefaultStatus()) })
	}
	t.Cleanup(p.Close)
	return p
}

// Port is the TCP command port.
func (p *Peer) Port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *Peer) Accepts() int { return int(p.accepts.Load()) }

// Byes counts disconnect messages received from the ground side.
func (p *Peer) Byes() int { return int(p.byes.Load()) }

func (p *Peer) Commands() []protocol.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Command(nil), p.commands...)
}

// SetHeartbeats pauses or resumes Air-Side heartbeats.
func (p *Peer) SetHeartbeats(on bool) { p.heartbeats.Store(on) }

func (p *Peer) SendStatus(st protocol.Status) {
	data, err := protocol.Encode(protocol.New(0, st))
	if err != nil {
		p.t.Errorf("airside encode status: %v", err)
		return
	}
	p.SendRaw(p.cfg.StatusPort, data)
}

// SendRaw writes one datagram to 127.0.0.1:port.
func (p *Peer) SendRaw(port int, data []byte) {
	_, _ = p.udp.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

// SendLine writes a raw line to every open command connection.
func (p *Peer) SendLine(line []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		_ = session.WriteLine(c, line)
	}
}

// DropConnections closes every open command connection.
func (p *Peer) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		_ = c.Close()
		delete(p.conns, c)
	}
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		_ = p.ln.Close()
		_ = p.udp.Close()
		p.DropConnections()
		p.wg.Wait()
	})
}

func (p *Peer) every(interval time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn()
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *Peer) sendHeartbeat() {
	if !p.heartbeats.Load() {
		return
	}
	data, err := protocol.Encode(protocol.New(0, protocol.Heartbeat{
		Sender:   protocol.SenderAir,
		ClientID: p.cfg.ServerID,
	}))
	if err != nil {
		return
	}
	p.SendRaw(p.cfg.HeartbeatPort, data)
}

func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.accepts.Add(1)
		p.mu.Lock()
		p.conns[conn] = struct{}{}
		p.mu.Unlock()
		p.wg.Add(1)
		go p.serve(conn)
	}
}

func (p *Peer) serve(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		_ = conn.Close()
	}()
	lines := session.NewLineReader(conn, 0)
	for {
		line, err := lines.ReadLine()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			p.reply(conn, 0, protocol.Response{
				Command: "unknown",
				Status:  protocol.ResponseError,
				Error:   &protocol.ErrorInfo{Code: int(protocol.CodeInvalidJSON), Message: err.Error()},
			})
			continue
		}
		switch payload := msg.Payload.(type) {
		case protocol.Handshake:
			p.handshake(conn, msg.SequenceID)
		case protocol.Command:
			p.mu.Lock()
			p.commands = append(p.commands, payload)
			p.mu.Unlock()
			p.reply(conn, msg.SequenceID, p.handle(payload))
		case protocol.Disconnect:
			p.byes.Add(1)
			return
		}
	}
}

func (p *Peer) handshake(conn net.Conn, seq uint64) {
	switch p.cfg.Handshake {
	case HandshakeSilent:
		return
	case HandshakeReject:
		p.reply(conn, seq, protocol.Response{
			Command: protocol.CommandHandshake,
			Status:  protocol.ResponseError,
			Error:   &protocol.ErrorInfo{Code: int(protocol.CodeInvalidProtocolVersion), Message: "rejected"},
		})
	default:
		p.reply(conn, seq, protocol.Response{
			Command: protocol.CommandHandshake,
			Status:  protocol.ResponseSuccess,
			Result: map[string]any{
				"server_id":      p.cfg.ServerID,
				"server_version": "1.0.0",
				"capabilities":   []any{"camera_control"},
			},
		})
	}
}

func (p *Peer) handle(cmd protocol.Command) protocol.Response {
	if p.cfg.Handler != nil {
		return p.cfg.Handler(cmd)
	}
	return protocol.Response{
		Command: cmd.Command,
		Status:  protocol.ResponseSuccess,
		Result:  map[string]any{"command": cmd.Command},
	}
}

func (p *Peer) reply(conn net.Conn, seq uint64, resp protocol.Response) {
	data, err := protocol.Encode(protocol.New(seq, resp))
	if err != nil {
		p.t.Errorf("airside encode response: %v", err)
		return
	}
	if err := session.WriteLine(conn, data); err != nil && !errors.Is(err, net.ErrClosed) {
		p.t.Logf("airside write: %v", err)
	}
}

// DefaultStatus is a minimal valid telemetry snapshot.
func DefaultStatus() protocol.Status {
	return protocol.Status{
		System: &protocol.SystemStatus{UptimeSeconds: 42, CPUPercent: 12.5, MemoryMB: 512, MemoryTotalMB: 2048},
		Camera: &protocol.CameraStatus{Connected: true, Model: "test-cam", BatteryPercent: 80},
	}
}

// FreeUDPPort returns a UDP port on 127.0.0.1 that was free at call time.
func FreeUDPPort(t testing.TB) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("free udp port: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// ClosedTCPPort returns a loopback TCP port nothing listens on.
func ClosedTCPPort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("closed tcp port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// Settings points a link at p with fresh UDP ports.
func (p *Peer) Settings() session.Settings {
	return session.Settings{
		TargetIP:          "127.0.0.1",
		CommandPort:       p.Port(),
		StatusListenPort:  p.cfg.StatusPort,
		HeartbeatPort:     p.cfg.HeartbeatPort,
		ConnectionTimeout: time.Second,
		HeartbeatInterval: 30 * time.Millisecond,
	}
}
