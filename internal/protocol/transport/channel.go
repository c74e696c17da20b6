package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	// DefaultLineLimit bounds a single line, out-of-band text included.
	DefaultLineLimit = 16 << 20
)

var (
	ErrTransport    = errors.New("transport: channel failure")
	ErrTimeout      = errors.New("transport: read timeout")
	ErrLineTooLarge = errors.New("transport: line too large")
)

// Reader yields newline-terminated lines with the newline removed.
type Reader interface {
	Name() string
	ReadLine() (string, error)
	// Buffered reports bytes already read from the source but not yet consumed.
	Buffered() int
}

type Writer interface {
	WriteLine(line string) error
	Flush() error
}

// Descriptor is implemented by readers backed by a pollable file descriptor.
type Descriptor interface {
	Fd() (int, bool)
}

// Conn is an opened worker channel pair. Close releases the remote end.
type Conn interface {
	Reader() Reader
	Writer() Writer
	Close() error
}

// FileReader reads lines from an *os.File with a per-line deadline.
type FileReader struct {
	name    string
	file    *os.File
	fd      int
	hasFd   bool
	buf     *bufio.Reader
	lines   lineBuffer
	timeout time.Duration
	limit   int
}

func NewFileReader(name string, file *os.File, timeout time.Duration) *FileReader {
	r := &FileReader{
		name:    name,
		file:    file,
		buf:     bufio.NewReader(file),
		timeout: timeout,
		limit:   DefaultLineLimit,
	}
	// Fd() would switch the file to blocking mode and disable deadlines.
	if raw, err := file.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) {
			r.fd = int(fd)
			r.hasFd = true
		})
	}
	return r
}

func (r *FileReader) Name() string {
	return r.name
}

func (r *FileReader) Fd() (int, bool) {
	return r.fd, r.hasFd
}

func (r *FileReader) Buffered() int {
	return r.buf.Buffered()
}

func (r *FileReader) ReadLine() (string, error) {
	if r.timeout > 0 {
		err := r.file.SetReadDeadline(time.Now().Add(r.timeout))
		if err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return "", fmt.Errorf("%w: %s set deadline: %v", ErrTransport, r.name, err)
		}
	}
	return readLine(r.name, r.buf, &r.lines, r.limit, r.timeout)
}

func (r *FileReader) Close() error {
	return r.file.Close()
}

// StreamReader reads lines from any io.Reader. It has no deadline and no
// descriptor, so it cannot join a parallel executor.
type StreamReader struct {
	name  string
	buf   *bufio.Reader
	lines lineBuffer
	limit int
}

func NewStreamReader(name string, r io.Reader) *StreamReader {
	return &StreamReader{name: name, buf: bufio.NewReader(r), limit: DefaultLineLimit}
}

func (r *StreamReader) Name() string {
	return r.name
}

func (r *StreamReader) Buffered() int {
	return r.buf.Buffered()
}

func (r *StreamReader) ReadLine() (string, error) {
	return readLine(r.name, r.buf, &r.lines, r.limit, 0)
}

// lineBuffer keeps partial data across failed reads so a later read resumes
// exactly where the timed-out one stopped.
type lineBuffer struct {
	pending []byte
	// skipping is set while the tail of an oversized line is discarded.
	skipping bool
}

// readLine returns ErrLineTooLarge only once the whole oversized line has
// been consumed, so the next call starts on a line boundary.
func readLine(name string, buf *bufio.Reader, lb *lineBuffer, limit int, timeout time.Duration) (string, error) {
	for {
		chunk, err := buf.ReadSlice('\n')
		if !lb.skipping {
			lb.pending = append(lb.pending, chunk...)
			if len(lb.pending) > limit+1 {
				lb.pending = lb.pending[:0]
				lb.skipping = true
			}
		}
		switch {
		case err == nil:
			if lb.skipping {
				lb.skipping = false
				return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrLineTooLarge, name, limit)
			}
			line := string(lb.pending[:len(lb.pending)-1])
			lb.pending = lb.pending[:0]
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			return "", fmt.Errorf("%w: %s no line within %s", ErrTimeout, name, timeout)
		case errors.Is(err, io.EOF):
			return "", fmt.Errorf("%w: %s closed unexpectedly", ErrTransport, name)
		default:
			return "", fmt.Errorf("%w: %s read: %v", ErrTransport, name, err)
		}
	}
}

// FileWriter buffers lines until Flush. When the target is an *os.File the
// flush is bounded by the write timeout.
type FileWriter struct {
	name    string
	target  io.Writer
	file    *os.File
	buf     *bufio.Writer
	timeout time.Duration
}

func NewFileWriter(name string, w io.Writer, timeout time.Duration) *FileWriter {
	fw := &FileWriter{name: name, target: w, buf: bufio.NewWriter(w), timeout: timeout}
	if f, ok := w.(*os.File); ok {
		fw.file = f
	}
	return fw
}

func (w *FileWriter) WriteLine(line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: %s line contains a newline", ErrTransport, w.name)
	}
	if _, err := w.buf.WriteString(line); err != nil {
		return fmt.Errorf("%w: %s write: %v", ErrTransport, w.name, err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %s write: %v", ErrTransport, w.name, err)
	}
	return nil
}

func (w *FileWriter) Flush() error {
	if w.file != nil && w.timeout > 0 {
		err := w.file.SetWriteDeadline(time.Now().Add(w.timeout))
		if err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return fmt.Errorf("%w: %s set deadline: %v", ErrTransport, w.name, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: %s flush after %s", ErrTimeout, w.name, w.timeout)
		}
		return fmt.Errorf("%w: %s flush: %v", ErrTransport, w.name, err)
	}
	return nil
}

func (w *FileWriter) Close() error {
	if closer, ok := w.target.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Pipe is a Conn over two already-open files, typically one side of a
// pair of os.Pipe calls.
type Pipe struct {
	reader *FileReader
	writer *FileWriter
}

func NewPipe(name string, in *os.File, out *os.File, timeout time.Duration) *Pipe {
	return &Pipe{
		reader: NewFileReader(name, in, timeout),
		writer: NewFileWriter(name, out, timeout),
	}
}

func (p *Pipe) Reader() Reader {
	return p.reader
}

func (p *Pipe) Writer() Writer {
	return p.writer
}

func (p *Pipe) Close() error {
	return errors.Join(p.writer.Close(), p.reader.Close())
}
