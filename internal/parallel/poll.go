package parallel

import (
	"errors"
	"time"

	"github.com/danmuck/backctl/internal/protocol"
	"golang.org/x/sys/unix"
)

const readableEvents = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// pollReadable waits up to wait for any descriptor to become readable and
// reports readiness per descriptor. Hang-ups count as readable so the
// following read surfaces the failure.
func pollReadable(fds []int, wait time.Duration) ([]bool, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timeout := int(remaining / time.Millisecond)
		if timeout == 0 && remaining > 0 {
			timeout = 1
		}

		_, err := unix.Poll(pfds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeAssert, "unable to poll parallel clients: %v", err)
		}
		break
	}

	readable := make([]bool, len(pfds))
	for i, pfd := range pfds {
		readable[i] = pfd.Revents&readableEvents != 0
	}
	return readable, nil
}
