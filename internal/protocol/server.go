package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/danmuck/backctl/internal/observability"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Server is the worker side of one channel.
type Server struct {
	name    string
	service string
	reader  transport.Reader
	writer  transport.Writer
	sleep   func(ctx context.Context, d time.Duration) error

	command   string
	responded bool
}

// NewServer writes and flushes the greeting before returning.
func NewServer(name, service string, reader transport.Reader, writer transport.Writer) (*Server, error) {
	s := &Server{
		name:    name,
		service: service,
		reader:  reader,
		writer:  writer,
		sleep:   sleepContext,
	}
	line, err := wire.EncodeGreeting(Greeting(service))
	if err != nil {
		return nil, err
	}
	if err := s.writeFlush(line); err != nil {
		return nil, fmt.Errorf("write greeting: %w", err)
	}
	log.Debug().Str("server", name).Str("service", service).Msg("protocol.NewServer")
	return s, nil
}

func (s *Server) Name() string {
	return s.name
}

// Process serves commands until exit is received (nil) or the channel
// fails. It may be called again after a clean return.
func (s *Server) Process(ctx context.Context, handlers *Registry, retryIntervals []time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := s.reader.ReadLine()
		if err != nil {
			return err
		}
		cmd, err := wire.DecodeCommand(line)
		if err != nil {
			if err := s.respondError("", err); err != nil {
				return err
			}
			continue
		}

		switch cmd.Name() {
		case CommandExit:
			log.Debug().Str("server", s.name).Msg("protocol.Server.Process exit")
			return nil
		case CommandNoop:
			if err := s.writeResponse(wire.Response{}); err != nil {
				return err
			}
			continue
		}

		handler, ok := handlers.Resolve(cmd.Name())
		if !ok {
			err := Errorf(CodeProtocol, "invalid command '%s'", cmd.Name())
			if err := s.respondError(cmd.Name(), err); err != nil {
				return err
			}
			continue
		}
		if err := s.dispatch(ctx, cmd, handler, retryIntervals); err != nil {
			return err
		}
	}
}

// dispatch runs handler, re-invoking it after each fault while retry
// intervals remain. Only channel failures are returned.
func (s *Server) dispatch(ctx context.Context, cmd wire.Command, handler Handler, retryIntervals []time.Duration) error {
	name := cmd.Name()
	for attempt := 0; ; attempt++ {
		s.command = name
		s.responded = false

		err := s.invoke(ctx, handler, cmd.Params())
		if err == nil {
			if !s.responded {
				return s.respondError(name, faultf("command '%s' finished without a response", name))
			}
			observability.RecordServerCommand(s.service, name, true)
			return nil
		}
		if isChannelFailure(err) {
			return err
		}
		if s.responded {
			log.Error().Str("server", s.name).Str("command", name).Err(err).
				Msg("protocol.Server handler failed after responding")
			return nil
		}
		if attempt < len(retryIntervals) {
			delay := retryIntervals[attempt]
			log.Warn().Str("server", s.name).Str("command", name).Int("attempt", attempt+1).
				Dur("delay", delay).Err(err).Msg("protocol.Server retry")
			observability.RecordRetry(s.service, name)
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		return s.respondError(name, err)
	}
}

func (s *Server) invoke(ctx context.Context, handler Handler, params []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CodedError{Code: CodeAssert, Message: fmt.Sprint(r), Stack: string(debug.Stack())}
		}
	}()
	return handler.Handle(ctx, params, s)
}

// WriteLine streams one out-of-band text line. An empty text reads as the
// end-of-stream marker on the client, so use WriteLineEnd for that.
func (s *Server) WriteLine(text string) error {
	line, err := wire.EncodeText(text)
	if err != nil {
		return err
	}
	return s.writer.WriteLine(line)
}

// WriteLineEnd terminates a text stream and flushes it.
func (s *Server) WriteLineEnd() error {
	line, err := wire.EncodeText("")
	if err != nil {
		return err
	}
	return s.writeFlush(line)
}

// Respond sends the terminal output of the current command. A nil value
// is a void response.
func (s *Server) Respond(value any) error {
	if s.responded {
		return faultf("command '%s' already responded", s.command)
	}
	if err := s.writeResponse(wire.Response{Out: value}); err != nil {
		return err
	}
	s.responded = true
	return nil
}

func (s *Server) RespondVoid() error {
	return s.Respond(nil)
}

func (s *Server) respondError(command string, err error) error {
	code := CodeOf(err)
	message := MessageOf(err)
	if message == "" {
		message = defaultRemoteMessage
	}
	log.Error().Str("server", s.name).Str("command", command).Int("code", code).Err(err).
		Msg("protocol.Server error response")
	observability.RecordServerCommand(s.service, command, false)
	return s.writeResponse(wire.Response{Err: code, Out: message, ErrStack: stackOf(err)})
}

func (s *Server) writeResponse(resp wire.Response) error {
	line, err := wire.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return s.writeFlush(line)
}

func (s *Server) writeFlush(line string) error {
	if err := s.writer.WriteLine(line); err != nil {
		return err
	}
	return s.writer.Flush()
}

func isChannelFailure(err error) bool {
	return errors.Is(err, transport.ErrTransport) ||
		errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
