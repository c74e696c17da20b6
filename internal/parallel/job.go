package parallel

import (
	"fmt"

	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/wire"
)

type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobDone
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Job correlates a caller's key and command with the eventual result or
// error. Only the executor mutates a job once it has been handed over.
type Job struct {
	key     any
	command wire.Command
	state   JobState
	worker  int
	code    int
	message string
	result  any
}

func NewJob(key any, command wire.Command) *Job {
	return &Job{key: key, command: command, state: JobPending}
}

func (j *Job) Key() any {
	return j.key
}

func (j *Job) Command() wire.Command {
	return j.command
}

func (j *Job) State() JobState {
	return j.state
}

// Worker is the 1-based worker index the job ran on, 0 while unassigned.
func (j *Job) Worker() int {
	return j.worker
}

// Code is the error code, 0 when the job succeeded.
func (j *Job) Code() int {
	return j.code
}

func (j *Job) Message() string {
	return j.message
}

func (j *Job) Result() any {
	return j.result
}

func (j *Job) Failed() bool {
	return j.code != 0
}

// SetState allows pending->running and running->done only.
func (j *Job) SetState(next JobState) error {
	legal := (j.state == JobPending && next == JobRunning) ||
		(j.state == JobRunning && next == JobDone)
	if !legal {
		return protocol.Errorf(protocol.CodeAssert,
			"invalid state transition from '%s' to '%s'", j.state, next)
	}
	j.state = next
	return nil
}

// SetWorker binds the job to a worker. The binding is permanent.
func (j *Job) SetWorker(worker int) error {
	if worker <= 0 {
		return protocol.Errorf(protocol.CodeAssert, "invalid worker index %d", worker)
	}
	if j.worker != 0 {
		return protocol.Errorf(protocol.CodeAssert,
			"job already bound to worker %d", j.worker)
	}
	j.worker = worker
	return nil
}

func (j *Job) SetResult(result any) {
	j.result = result
}

func (j *Job) SetError(code int, message string) {
	j.code = code
	j.message = message
}
