package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	exitCodeNotFound = 127
	// closeGrace bounds how long Close waits for a worker to exit after its
	// stdin is closed before killing it.
	closeGrace = 5 * time.Second
)

// Process is a worker subprocess whose stdin/stdout form the channel.
// Stderr is inherited so worker logs reach the controller's terminal.
type Process struct {
	name   string
	cmd    *exec.Cmd
	reader *FileReader
	writer *FileWriter
}

// Spawn starts path with args and wires its stdio to fresh pipes.
func Spawn(name string, timeout time.Duration, path string, args ...string) (*Process, error) {
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s stdin pipe: %v", ErrTransport, name, err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("%w: %s stdout pipe: %v", ErrTransport, name, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = os.Stderr

	startErr := cmd.Start()
	childIn.Close()
	childOut.Close()
	if startErr != nil {
		parentIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("%w: %s start %s (exit %d): %v", ErrTransport, name, path, exitCode(startErr), startErr)
	}

	log.Debug().Str("name", name).Str("path", path).Int("pid", cmd.Process.Pid).Msg("transport.Spawn")
	return &Process{
		name:   name,
		cmd:    cmd,
		reader: NewFileReader(name, parentIn, timeout),
		writer: NewFileWriter(name, parentOut, timeout),
	}, nil
}

func (p *Process) Reader() Reader {
	return p.reader
}

func (p *Process) Writer() Writer {
	return p.writer
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Close closes the worker's stdin and waits for it to exit, killing it
// after a grace period.
func (p *Process) Close() error {
	writeErr := p.writer.Close()

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(closeGrace):
		_ = p.cmd.Process.Kill()
		waitErr = <-done
	}
	readErr := p.reader.Close()

	if waitErr != nil {
		log.Warn().Str("name", p.name).Int("exit_code", exitCode(waitErr)).Err(waitErr).Msg("transport.Process.Close")
		return fmt.Errorf("%w: %s exited with code %d", ErrTransport, p.name, exitCode(waitErr))
	}
	return errors.Join(writeErr, ignoreClosed(readErr))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return exitCodeNotFound
	}
	return 1
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
