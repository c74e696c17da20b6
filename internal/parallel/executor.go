package parallel

import (
	"fmt"
	"time"

	"github.com/danmuck/backctl/internal/observability"
	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StatePending State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Source returns the next job for the idle worker (1-based), or nil once
// there is nothing left. It is called again after returning nil and must
// keep returning nil.
type Source func(worker int) *Job

// Executor keeps a fixed set of workers busy with jobs pulled from a
// Source. It is driven by one goroutine calling Process until Done.
type Executor struct {
	wait   time.Duration
	source Source

	clients []*protocol.Client
	fds     []int
	running []*Job
	started []time.Time
	staged  []*Job

	state     State
	exhausted bool
}

// New returns an executor whose Process call blocks at most wait per pass.
func New(wait time.Duration, source Source) *Executor {
	return &Executor{wait: wait, source: source, state: StatePending}
}

// AddClient registers a worker. Its reader must expose a pollable
// descriptor.
func (e *Executor) AddClient(client *protocol.Client) error {
	if client == nil {
		return protocol.Errorf(protocol.CodeAssert, "client is required")
	}
	if e.state != StatePending {
		return protocol.Errorf(protocol.CodeAssert, "clients must be added before processing starts")
	}
	desc, ok := client.Reader().(transport.Descriptor)
	if !ok {
		return protocol.Errorf(protocol.CodeAssert, "client with read fd is required")
	}
	fd, ok := desc.Fd()
	if !ok {
		return protocol.Errorf(protocol.CodeAssert, "client with read fd is required")
	}

	e.clients = append(e.clients, client)
	e.fds = append(e.fds, fd)
	e.running = append(e.running, nil)
	e.started = append(e.started, time.Time{})
	return nil
}

// Process runs one pass: collect responses from busy workers (waiting at
// most the bounded time), then hand new jobs to idle workers. It returns
// how many jobs were completed in this pass.
func (e *Executor) Process() (int, error) {
	if e.state == StateDone {
		return 0, protocol.Errorf(protocol.CodeAssert, "executor is already done")
	}
	if len(e.clients) == 0 {
		return 0, protocol.Errorf(protocol.CodeAssert, "at least one client is required")
	}
	if e.state == StatePending {
		e.state = StateRunning
	}

	completed, err := e.collect()
	if err != nil {
		return completed, err
	}
	if err := e.dispatch(); err != nil {
		return completed, err
	}
	return completed, nil
}

// Result pops the oldest completed job, or nil.
func (e *Executor) Result() *Job {
	if len(e.staged) == 0 {
		return nil
	}
	job := e.staged[0]
	e.staged[0] = nil
	e.staged = e.staged[1:]
	return job
}

// Done reports whether the source is exhausted and every job has been
// handed back. It stays true once reached.
func (e *Executor) Done() bool {
	if e.state == StateRunning && e.exhausted && len(e.staged) == 0 && e.busy() == 0 {
		e.state = StateDone
		log.Debug().Int("clients", len(e.clients)).Msg("parallel.Executor done")
	}
	return e.state == StateDone
}

func (e *Executor) State() State {
	return e.state
}

func (e *Executor) String() string {
	return fmt.Sprintf("{state: %s, clientTotal: %d, jobTotal: %d}", e.state, len(e.clients), len(e.staged))
}

func (e *Executor) busy() int {
	total := 0
	for _, job := range e.running {
		if job != nil {
			total++
		}
	}
	return total
}

func (e *Executor) collect() (int, error) {
	if e.busy() == 0 {
		return 0, nil
	}
	ready, err := e.readyWorkers()
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, idx := range ready {
		job := e.running[idx]
		client := e.clients[idx]

		out, err := client.ReadOutput(true)
		if err != nil {
			job.SetError(protocol.CodeOf(err), protocol.MessageOf(err))
			log.Warn().Str("client", client.Name()).Str("command", job.Command().Name()).
				Int("code", job.Code()).Str("message", job.Message()).Msg("parallel.Executor job failed")
		} else {
			job.SetResult(out)
		}
		if err := job.SetState(JobDone); err != nil {
			return completed, err
		}
		observability.RecordJob(job.Command().Name(), time.Since(e.started[idx]), !job.Failed())

		e.running[idx] = nil
		e.staged = append(e.staged, job)
		completed++
	}
	return completed, nil
}

// readyWorkers returns busy worker indexes with a response to read. A
// reader holding buffered bytes is ready without waiting.
func (e *Executor) readyWorkers() ([]int, error) {
	var ready []int
	for idx, job := range e.running {
		if job != nil && e.clients[idx].Reader().Buffered() > 0 {
			ready = append(ready, idx)
		}
	}
	if len(ready) > 0 {
		return ready, nil
	}

	var fds []int
	var owners []int
	for idx, job := range e.running {
		if job != nil {
			fds = append(fds, e.fds[idx])
			owners = append(owners, idx)
		}
	}
	readable, err := pollReadable(fds, e.wait)
	if err != nil {
		return nil, err
	}
	for i, ok := range readable {
		if ok {
			ready = append(ready, owners[i])
		}
	}
	return ready, nil
}

func (e *Executor) dispatch() error {
	exhausted := true
	for idx, client := range e.clients {
		if e.running[idx] != nil {
			continue
		}
		worker := idx + 1
		job := e.source(worker)
		if job == nil {
			continue
		}
		exhausted = false

		if err := job.SetWorker(worker); err != nil {
			return err
		}
		if err := job.SetState(JobRunning); err != nil {
			return err
		}
		e.started[idx] = time.Now()

		if err := client.WriteCommand(job.Command()); err != nil {
			// The job still completes exactly once, carrying the write error.
			job.SetError(protocol.CodeOf(err), protocol.MessageOf(err))
			if err := job.SetState(JobDone); err != nil {
				return err
			}
			log.Warn().Str("client", client.Name()).Err(err).Msg("parallel.Executor dispatch failed")
			observability.RecordJob(job.Command().Name(), time.Since(e.started[idx]), false)
			e.staged = append(e.staged, job)
			continue
		}
		e.running[idx] = job
		log.Debug().Str("client", client.Name()).Int("worker", worker).
			Str("command", job.Command().Name()).Msg("parallel.Executor dispatch")
	}
	e.exhausted = exhausted
	return nil
}
