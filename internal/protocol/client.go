package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/backctl/internal/observability"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Reserved command names handled by every server.
const (
	CommandNoop = "noop"
	CommandExit = "exit"
)

// Client is the controller side of one worker channel. It has at most one
// command in flight and never retries on its own.
type Client struct {
	name    string
	service string
	reader  transport.Reader
	writer  transport.Writer
}

// NewClient reads and validates the worker greeting. The client is not
// usable if this fails.
func NewClient(name, service string, reader transport.Reader, writer transport.Writer) (*Client, error) {
	line, err := reader.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read greeting from %s: %w", name, err)
	}
	greeting, err := wire.DecodeGreeting(line)
	if err != nil {
		return nil, err
	}
	if err := checkGreeting(greeting, service); err != nil {
		return nil, err
	}

	log.Debug().Str("client", name).Str("service", service).Msg("protocol.NewClient")
	return &Client{name: name, service: service, reader: reader, writer: writer}, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Service() string {
	return c.service
}

func (c *Client) Reader() transport.Reader {
	return c.reader
}

// WriteCommand sends cmd without waiting for its response.
func (c *Client) WriteCommand(cmd wire.Command) error {
	line, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.writer.WriteLine(line); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	log.Trace().Str("client", c.name).Str("command", cmd.Name()).Msg("protocol.Client.WriteCommand")
	return nil
}

// ReadLine returns the next out-of-band text line. more is false at the
// end-of-stream marker. An error response in place of a text line is
// raised as a RemoteError.
func (c *Client) ReadLine() (text string, more bool, err error) {
	line, err := c.reader.ReadLine()
	if err != nil {
		return "", false, err
	}
	switch wire.ClassifyLine(line) {
	case wire.LineText:
		text = line[1:]
		return text, text != "", nil
	case wire.LineEmpty:
		return "", false, wire.FormatErrorf("unexpected empty line")
	case wire.LineObject:
		resp, err := wire.DecodeResponse(line)
		if err != nil {
			return "", false, err
		}
		if resp.IsError() {
			return "", false, c.remoteError(resp)
		}
		return "", false, wire.FormatErrorf("expected error but got output")
	default:
		return "", false, wire.FormatErrorf("invalid prefix in '%s'", line)
	}
}

// ReadOutput reads the terminal response of the command in flight.
func (c *Client) ReadOutput(required bool) (any, error) {
	line, err := c.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	resp, err := wire.DecodeResponse(line)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, c.remoteError(resp)
	}
	if required && !resp.HasOutput() {
		return nil, faultf("no output from required command")
	}
	if !required && resp.HasOutput() {
		return nil, faultf("no output required by command")
	}
	return resp.Out, nil
}

// Execute writes cmd and waits for its terminal response.
func (c *Client) Execute(cmd wire.Command, required bool) (any, error) {
	if err := c.WriteCommand(cmd); err != nil {
		return nil, err
	}
	return c.ReadOutput(required)
}

func (c *Client) NoOp() error {
	_, err := c.Execute(wire.NewCommand(CommandNoop), false)
	return err
}

// Close asks the worker to leave its command loop. No response is read.
func (c *Client) Close() error {
	if err := c.WriteCommand(wire.NewCommand(CommandExit)); err != nil {
		if errors.Is(err, transport.ErrTransport) {
			log.Debug().Str("client", c.name).Err(err).Msg("protocol.Client.Close worker already gone")
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) remoteError(resp wire.Response) error {
	err := newRemoteError(c.name, resp)
	observability.RecordRemoteError(c.name, err.Code)
	log.Debug().Str("client", c.name).Int("code", err.Code).Str("message", err.Message).Msg("protocol.Client remote error")
	return err
}
