package session

import (
	"bufio"
	"errors"
	"io"
)

var ErrLineTooLarge = errors.New("session: line too large")

// WriteLine writes payload followed by a single newline.
func WriteLine(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// LineReader reads newline-delimited frames from a stream whose reads may
// fail transiently, e.g. on a deadline. Bytes of a line that were already
// consumed when a read fails are kept and completed by the next call, so the
// framing never slips.
type LineReader struct {
	r        *bufio.Reader
	maxBytes int
	partial  []byte
	// discarding is set after an oversized line until its terminator is seen.
	discarding bool
}

// NewLineReader wraps r. maxBytes <= 0 disables the size limit.
func NewLineReader(r io.Reader, maxBytes int) *LineReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &LineReader{r: br, maxBytes: maxBytes}
}

// ReadLine returns the next line without its terminator. A line longer than
// maxBytes yields ErrLineTooLarge as soon as the limit is crossed; the rest of
// that line is skipped and the following line reads normally. A final
// unterminated line before EOF is returned as-is.
func (l *LineReader) ReadLine() ([]byte, error) {
	for {
		chunk, err := l.r.ReadSlice('\n')
		if l.discarding {
			switch {
			case err == nil:
				l.discarding = false
				continue
			case errors.Is(err, bufio.ErrBufferFull):
				continue
			default:
				return nil, err
			}
		}

		n := len(l.partial) + len(chunk)
		if err == nil {
			n--
		}
		if l.maxBytes > 0 && n > l.maxBytes {
			l.partial = l.partial[:0]
			l.discarding = err != nil
			return nil, ErrLineTooLarge
		}
		l.partial = append(l.partial, chunk...)

		switch {
		case err == nil:
			return l.take(), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(l.partial) > 0:
			return l.take(), nil
		default:
			return nil, err
		}
	}
}

// Buffered reports how many bytes of an unfinished line are being held.
func (l *LineReader) Buffered() int {
	return len(l.partial)
}

func (l *LineReader) take() []byte {
	line := l.partial
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	out := make([]byte, len(line))
	copy(out, line)
	l.partial = l.partial[:0]
	return out
}

// ReadLine reads one line from r with a throwaway LineReader. Callers that
// read repeatedly from a stream with deadlines should keep a LineReader.
func ReadLine(r *bufio.Reader, maxBytes int) ([]byte, error) {
	return NewLineReader(r, maxBytes).ReadLine()
}
