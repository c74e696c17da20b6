package transport

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Stdio opens the worker side of a channel on stdin/stdout. Both descriptors
// are switched to non-blocking mode first so the runtime poller owns them
// and read/write deadlines apply.
func Stdio(timeout time.Duration) (*Pipe, error) {
	in, err := nonblocking(os.Stdin, "stdin")
	if err != nil {
		return nil, err
	}
	out, err := nonblocking(os.Stdout, "stdout")
	if err != nil {
		return nil, err
	}
	return NewPipe("stdio", in, out, timeout), nil
}

func nonblocking(f *os.File, name string) (*os.File, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%w: %s set nonblock: %v", ErrTransport, name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}
