package protocol

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/danmuck/backctl/internal/logging"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/danmuck/backctl/internal/protocol/wire"
)

// Error codes carried in the "err" key of a response.
const (
	CodeAssert          = 25
	CodeChecksum        = 26
	CodeFormat          = 29
	CodeProtocol        = 39
	CodeFileRead        = 42
	CodeFileMissing     = 55
	CodeFileWrite       = 64
	CodeProtocolTimeout = 67
	CodeHostInvalid     = 72
	CodeUnknown         = 122
)

var (
	// ErrFault is a local contract violation. It is never retried by the
	// client and is sent as an assertion error by the server.
	ErrFault    = errors.New("protocol: fault")
	ErrProtocol = errors.New("protocol: protocol error")
	ErrRemote   = errors.New("protocol: remote error")
)

const (
	defaultRemoteMessage = "no details available"
	defaultRemoteStack   = "no stack trace available"
)

// CodedError carries an explicit wire code and the stack of the site that
// raised it. Handlers return these to pick the code the caller sees.
type CodedError struct {
	Code    int
	Message string
	Stack   string
}

// Errorf builds a CodedError, capturing the caller's stack.
func Errorf(code int, format string, args ...any) error {
	return &CodedError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   callerStack(2),
	}
}

func (e *CodedError) Error() string {
	return e.Message
}

func (e *CodedError) Is(target error) bool {
	switch e.Code {
	case CodeAssert:
		return target == ErrFault
	case CodeFormat:
		return target == wire.ErrFormat
	case CodeProtocol:
		return target == ErrProtocol
	default:
		return false
	}
}

func (e *CodedError) StackTrace() string {
	return e.Stack
}

func faultf(format string, args ...any) error {
	return &CodedError{Code: CodeAssert, Message: fmt.Sprintf(format, args...), Stack: callerStack(2)}
}

// RemoteError is an error response received from a peer.
type RemoteError struct {
	Client  string
	Code    int
	Message string
	Stack   string
}

func newRemoteError(client string, resp wire.Response) *RemoteError {
	message := defaultRemoteMessage
	if text, ok := resp.Out.(string); ok {
		message = text
	} else if resp.Out != nil {
		message = fmt.Sprint(resp.Out)
	}
	stack := resp.ErrStack
	if stack == "" {
		stack = defaultRemoteStack
	}
	return &RemoteError{Client: client, Code: resp.Err, Message: message, Stack: stack}
}

// Error renders "raised from <client>: <message>". The remote stack is
// appended for assertions and when debug logging is on.
func (e *RemoteError) Error() string {
	text := fmt.Sprintf("raised from %s: %s", e.Client, e.Message)
	if e.Code == CodeAssert || logging.Debug() {
		text += "\n" + e.Stack
	}
	return text
}

// Summary is the error text without the remote stack.
func (e *RemoteError) Summary() string {
	return fmt.Sprintf("raised from %s: %s", e.Client, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

func (e *RemoteError) StackTrace() string {
	return e.Stack
}

// CodeOf maps any error onto the wire code that describes it.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrFault):
		return CodeAssert
	case errors.Is(err, wire.ErrFormat):
		return CodeFormat
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, transport.ErrTimeout):
		return CodeProtocolTimeout
	case errors.Is(err, transport.ErrTransport), errors.Is(err, transport.ErrLineTooLarge):
		return CodeFileRead
	default:
		return CodeUnknown
	}
}

// MessageOf is the error text without any remote stack.
func MessageOf(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Summary()
	}
	return err.Error()
}

// stackOf returns the stack recorded on err, or the current one.
func stackOf(err error) string {
	var traced interface{ StackTrace() string }
	if errors.As(err, &traced) && traced.StackTrace() != "" {
		return traced.StackTrace()
	}
	return callerStack(3)
}

func callerStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s:%d:%s", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}
