package link

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/groundlink/internal/logging"
	"github.com/danmuck/groundlink/internal/protocol"
	"github.com/danmuck/groundlink/internal/protocol/session"
)

// transport is every OS resource one live link owns.
type transport struct {
	conn   net.Conn
	lines  *session.LineReader
	writer *bufio.Writer
	// writeMu serializes line writes on conn.
	writeMu sync.Mutex

	statusConn *net.UDPConn
	hbSendConn *net.UDPConn
	hbRecvConn *net.UDPConn
	hbTarget   *net.UDPAddr

	loops *taskGroup
}

func newTransport(conn net.Conn, maxLineBytes int) *transport {
	return &transport{
		conn:   conn,
		lines:  session.NewLineReader(conn, maxLineBytes),
		writer: bufio.NewWriter(conn),
	}
}

// writeMessage encodes msg and writes it as one line before deadline.
func (t *transport) writeMessage(msg protocol.Message, deadline time.Time) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return &transportError{op: "set write deadline", err: err}
	}
	if err := session.WriteLine(t.writer, data); err != nil {
		return &transportError{op: "write " + string(msg.Type), err: err}
	}
	if err := t.writer.Flush(); err != nil {
		return &transportError{op: "flush " + string(msg.Type), err: err}
	}
	return nil
}

// readMessage reads and decodes the next reply line. A read cut short by a
// deadline leaves its partial line in t.lines for the next call.
func (t *transport) readMessage() (protocol.Message, error) {
	line, err := t.lines.ReadLine()
	if err != nil {
		if errors.Is(err, session.ErrLineTooLarge) {
			return protocol.Message{}, err
		}
		return protocol.Message{}, &transportError{op: "read reply", err: err}
	}
	return protocol.Decode(line)
}

// sendBye tells the peer the ground side is leaving. Best effort.
func (t *transport) sendBye(seq uint64, timeout time.Duration) error {
	msg := protocol.New(seq, protocol.Disconnect{Reason: "user_requested"})
	return t.writeMessage(msg, time.Now().Add(timeout))
}

// bindUDP opens the status listener, the heartbeat sender and the heartbeat
// receiver. On failure nothing stays bound.
func (t *transport) bindUDP(settings session.Settings) error {
	target, err := net.ResolveUDPAddr("udp", settings.HeartbeatAddress())
	if err != nil {
		return fmt.Errorf("resolve heartbeat target %s: %w", settings.HeartbeatAddress(), err)
	}
	statusConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: settings.StatusListenPort})
	if err != nil {
		return fmt.Errorf("bind status listener port=%d: %w", settings.StatusListenPort, err)
	}
	hbSend, err := net.ListenUDP("udp", nil)
	if err != nil {
		_ = statusConn.Close()
		return fmt.Errorf("open heartbeat sender: %w", err)
	}
	hbRecv, err := net.ListenUDP("udp", &net.UDPAddr{Port: settings.HeartbeatPort})
	if err != nil {
		_ = statusConn.Close()
		_ = hbSend.Close()
		return fmt.Errorf("bind heartbeat receiver port=%d: %w", settings.HeartbeatPort, err)
	}
	t.statusConn, t.hbSendConn, t.hbRecvConn, t.hbTarget = statusConn, hbSend, hbRecv, target
	return nil
}

type closeStep struct {
	name string
	fn   func() error
}

// close releases resources in a fixed order: TCP writer, TCP reader, TCP
// shutdown, TCP socket, then the UDP sockets. Every step runs even when an
// earlier one fails.
func (t *transport) close() error {
	var steps []closeStep
	if t.conn != nil {
		steps = append(steps,
			closeStep{"tcp writer", t.flushWriter},
			closeStep{"tcp reader", func() error { return t.conn.SetReadDeadline(time.Now()) }},
			closeStep{"tcp shutdown", t.shutdownTCP},
			closeStep{"tcp socket", t.conn.Close},
		)
	}
	for _, u := range []struct {
		name string
		conn *net.UDPConn
	}{
		{"status socket", t.statusConn},
		{"heartbeat send socket", t.hbSendConn},
		{"heartbeat receive socket", t.hbRecvConn},
	} {
		if u.conn != nil {
			steps = append(steps, closeStep{u.name, u.conn.Close})
		}
	}

	var errs []error
	for _, step := range steps {
		if err := step.fn(); err != nil && !errors.Is(err, net.ErrClosed) {
			logging.Warnf("link.transport.close step=%q err=%v", step.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *transport) flushWriter() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writer.Buffered() == 0 {
		return nil
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	return t.writer.Flush()
}

func (t *transport) shutdownTCP() error {
	tcp, ok := t.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	werr := tcp.CloseWrite()
	rerr := tcp.CloseRead()
	if isNotConnected(werr) {
		werr = nil
	}
	if isNotConnected(rerr) {
		rerr = nil
	}
	return errors.Join(werr, rerr)
}
