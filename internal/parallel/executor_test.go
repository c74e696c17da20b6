package parallel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/danmuck/backctl/internal/testutil/testlog"
)

const testService = "test"

// startWorkers runs n in-process protocol servers over real pipes and
// returns connected clients named "test client <i>".
func startWorkers(t *testing.T, n int, reg *protocol.Registry) []*protocol.Client {
	t.Helper()
	clients := make([]*protocol.Client, 0, n)
	for i := 0; i < n; i++ {
		i := i
		toWorkerR, toWorkerW, err := os.Pipe()
		if err != nil {
			t.Fatalf("os.Pipe: %v", err)
		}
		fromWorkerR, fromWorkerW, err := os.Pipe()
		if err != nil {
			t.Fatalf("os.Pipe: %v", err)
		}
		workerSide := transport.NewPipe("worker", toWorkerR, fromWorkerW, 10*time.Second)
		controllerSide := transport.NewPipe("controller", fromWorkerR, toWorkerW, 10*time.Second)

		srv, err := protocol.NewServer(fmt.Sprintf("test server %d", i), testService, workerSide.Reader(), workerSide.Writer())
		if err != nil {
			t.Fatalf("new server: %v", err)
		}
		done := make(chan error, 1)
		go func() {
			done <- srv.Process(context.Background(), reg, nil)
		}()

		client, err := protocol.NewClient(fmt.Sprintf("test client %d", i), testService, controllerSide.Reader(), controllerSide.Writer())
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		clients = append(clients, client)

		t.Cleanup(func() {
			_ = client.Close()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Errorf("worker %d did not exit", i)
			}
			_ = controllerSide.Close()
			_ = workerSide.Close()
		})
	}
	return clients
}

func scenarioRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg := protocol.NewRegistry()
	handlers := map[string]protocol.HandlerFunc{
		"command1": func(ctx context.Context, params []any, srv *protocol.Server) error {
			time.Sleep(4 * time.Second)
			return srv.Respond(int64(1))
		},
		"command2": func(ctx context.Context, params []any, srv *protocol.Server) error {
			time.Sleep(time.Second)
			return srv.Respond(int64(2))
		},
		"command3": func(ctx context.Context, params []any, srv *protocol.Server) error {
			return protocol.Errorf(protocol.CodeProtocol, "very serious error")
		},
		"echo": func(ctx context.Context, params []any, srv *protocol.Server) error {
			time.Sleep(time.Duration(len(params)) * 5 * time.Millisecond)
			return srv.Respond(params[0])
		},
	}
	for name, fn := range handlers {
		if err := reg.RegisterFunc(name, fn); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

// queueSource hands out jobs in order regardless of which worker asks.
func queueSource(jobs ...*Job) Source {
	return func(worker int) *Job {
		if len(jobs) == 0 {
			return nil
		}
		job := jobs[0]
		jobs = jobs[1:]
		return job
	}
}

func TestExecutorStringAndClientValidation(t *testing.T) {
	testlog.Start(t)

	exec := New(2*time.Second, queueSource())
	if got := exec.String(); got != "{state: pending, clientTotal: 0, jobTotal: 0}" {
		t.Fatalf("unexpected string %q", got)
	}

	greeting, err := wire.EncodeGreeting(protocol.Greeting(testService))
	if err != nil {
		t.Fatalf("encode greeting: %v", err)
	}
	reader := transport.NewStreamReader("buffer", strings.NewReader(greeting+"\n"))
	writer := transport.NewFileWriter("discard", io.Discard, 0)
	client, err := protocol.NewClient("buffer client", testService, reader, writer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = exec.AddClient(client)
	if err == nil || err.Error() != "client with read fd is required" {
		t.Fatalf("expected read fd fault, got %v", err)
	}
	if _, err := exec.Process(); err == nil {
		t.Fatalf("expected process without clients to fault")
	}
}

func TestExecutorZeroJobs(t *testing.T) {
	testlog.Start(t)

	clients := startWorkers(t, 2, scenarioRegistry(t))
	exec := New(100*time.Millisecond, queueSource())
	for _, client := range clients {
		if err := exec.AddClient(client); err != nil {
			t.Fatalf("add client: %v", err)
		}
	}

	completed, err := exec.Process()
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if completed != 0 {
		t.Fatalf("expected 0 completed, got %d", completed)
	}
	if !exec.Done() {
		t.Fatalf("expected done with no jobs, state %s", exec)
	}
	if exec.Result() != nil {
		t.Fatalf("expected no result")
	}
}

func TestExecutorTwoWorkersThreeJobs(t *testing.T) {
	testlog.Start(t)

	clients := startWorkers(t, 2, scenarioRegistry(t))
	job1 := NewJob("job1", wire.NewCommand("command1", "param1"))
	job2 := NewJob("job2", wire.NewCommand("command2", "param1"))
	job3 := NewJob("job3", wire.NewCommand("command3", "param1"))

	exec := New(2*time.Second, queueSource(job1, job2, job3))
	for _, client := range clients {
		if err := exec.AddClient(client); err != nil {
			t.Fatalf("add client: %v", err)
		}
	}
	if got := exec.String(); got != "{state: pending, clientTotal: 2, jobTotal: 0}" {
		t.Fatalf("unexpected string %q", got)
	}

	process := func(want int) {
		t.Helper()
		got, err := exec.Process()
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if got != want {
			t.Fatalf("process completed %d, want %d (%s)", got, want, exec)
		}
	}

	process(0)
	if exec.State() != StateRunning || exec.Done() {
		t.Fatalf("expected running after first pass, got %s", exec)
	}
	if exec.Result() != nil {
		t.Fatalf("expected no result after first pass")
	}

	process(1)
	job := exec.Result()
	if job != job2 {
		t.Fatalf("expected job2 first, got %+v", job)
	}
	if job.State() != JobDone || job.Failed() || job.Result() != int64(2) {
		t.Fatalf("unexpected job2 %+v", job)
	}
	if job.Worker() < 1 || job.Worker() > 2 {
		t.Fatalf("job2 ran on invalid worker %d", job.Worker())
	}

	process(1)
	job = exec.Result()
	if job != job3 {
		t.Fatalf("expected job3 second, got %+v", job)
	}
	if job.Code() != protocol.CodeProtocol || job.Message() != "raised from test client 1: very serious error" {
		t.Fatalf("unexpected job3 error %d %q", job.Code(), job.Message())
	}
	if job.Result() != nil {
		t.Fatalf("failed job must not carry a result")
	}

	process(0)
	if exec.Done() {
		t.Fatalf("expected not done while job1 runs")
	}

	process(1)
	job = exec.Result()
	if job != job1 {
		t.Fatalf("expected job1 last, got %v", job)
	}
	if job.Result() != int64(1) || job.Failed() {
		t.Fatalf("unexpected job1 %+v", job)
	}

	if !exec.Done() {
		t.Fatalf("expected done, got %s", exec)
	}
	if !exec.Done() {
		t.Fatalf("done must stay true")
	}
	if exec.Result() != nil {
		t.Fatalf("expected no more results")
	}
	if _, err := exec.Process(); err == nil {
		t.Fatalf("expected process after done to fault")
	}
}

func TestExecutorDrainsMoreJobsThanWorkers(t *testing.T) {
	testlog.Start(t)

	const workers = 3
	const total = 12
	clients := startWorkers(t, workers, scenarioRegistry(t))

	jobs := make([]*Job, 0, total)
	for i := 0; i < total; i++ {
		params := []any{fmt.Sprintf("value-%d", i)}
		for j := 0; j < i%4; j++ {
			params = append(params, "pad")
		}
		jobs = append(jobs, NewJob(i, wire.NewCommand("echo", params...)))
	}

	exec := New(500*time.Millisecond, queueSource(jobs...))
	for _, client := range clients {
		if err := exec.AddClient(client); err != nil {
			t.Fatalf("add client: %v", err)
		}
	}

	seen := make(map[int]bool)
	deadline := time.Now().Add(30 * time.Second)
	for !exec.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("executor did not finish: %s", exec)
		}
		if _, err := exec.Process(); err != nil {
			t.Fatalf("process: %v", err)
		}
		for job := exec.Result(); job != nil; job = exec.Result() {
			key := job.Key().(int)
			if seen[key] {
				t.Fatalf("job %d reported twice", key)
			}
			seen[key] = true
			if job.Failed() {
				t.Fatalf("job %d failed: %s", key, job.Message())
			}
			if job.Result() != fmt.Sprintf("value-%d", key) {
				t.Fatalf("job %d unexpected result %v", key, job.Result())
			}
			if job.Worker() < 1 || job.Worker() > workers {
				t.Fatalf("job %d ran on invalid worker %d", key, job.Worker())
			}
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct jobs, got %d", total, len(seen))
	}
}

// deadWorker greets like a worker, reads the given number of commands
// without answering, then closes both of its pipe ends.
func deadWorker(t *testing.T, name string, reads int) *protocol.Client {
	t.Helper()
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	greeting, err := wire.EncodeGreeting(protocol.Greeting(testService))
	if err != nil {
		t.Fatalf("encode greeting: %v", err)
	}
	if _, err := fromWorkerW.WriteString(greeting + "\n"); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	controllerSide := transport.NewPipe("controller", fromWorkerR, toWorkerW, 10*time.Second)
	client, err := protocol.NewClient(name, testService, controllerSide.Reader(), controllerSide.Writer())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	hungUp := make(chan struct{})
	go func() {
		defer close(hungUp)
		reader := transport.NewFileReader("dead worker", toWorkerR, 10*time.Second)
		for i := 0; i < reads; i++ {
			if _, err := reader.ReadLine(); err != nil {
				break
			}
		}
		_ = toWorkerR.Close()
		_ = fromWorkerW.Close()
	}()
	if reads == 0 {
		<-hungUp
	}

	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-hungUp:
		case <-time.After(10 * time.Second):
			t.Errorf("%s did not hang up", name)
		}
		_ = controllerSide.Close()
	})
	return client
}

func TestExecutorWorkerHangupFailsOnlyItsJobs(t *testing.T) {
	testlog.Start(t)

	dead := deadWorker(t, "dead client", 1)
	live := startWorkers(t, 1, scenarioRegistry(t))[0]

	const total = 6
	jobs := make([]*Job, 0, total)
	for i := 0; i < total; i++ {
		jobs = append(jobs, NewJob(i, wire.NewCommand("echo", fmt.Sprintf("value-%d", i))))
	}
	exec := New(200*time.Millisecond, queueSource(jobs...))
	for _, client := range []*protocol.Client{dead, live} {
		if err := exec.AddClient(client); err != nil {
			t.Fatalf("add client: %v", err)
		}
	}

	seen := make(map[int]*Job)
	deadline := time.Now().Add(30 * time.Second)
	for !exec.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("executor did not finish: %s", exec)
		}
		if _, err := exec.Process(); err != nil {
			t.Fatalf("process: %v", err)
		}
		for job := exec.Result(); job != nil; job = exec.Result() {
			key := job.Key().(int)
			if seen[key] != nil {
				t.Fatalf("job %d reported twice", key)
			}
			seen[key] = job
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d jobs, got %d", total, len(seen))
	}

	first := seen[0]
	if first.Worker() != 1 || first.Code() != protocol.CodeFileRead || !strings.Contains(first.Message(), "closed unexpectedly") {
		t.Fatalf("expected hang-up on job 0, got worker %d code %d %q", first.Worker(), first.Code(), first.Message())
	}
	if seen[1].Worker() != 2 || seen[1].Failed() || seen[1].Result() != "value-1" {
		t.Fatalf("expected job 1 to succeed on the live worker, got %+v", seen[1])
	}
	for key, job := range seen {
		if job.State() != JobDone {
			t.Fatalf("job %d not done", key)
		}
		switch job.Worker() {
		case 1:
			if job.Code() != protocol.CodeFileRead {
				t.Fatalf("job %d on dead worker: code %d %q", key, job.Code(), job.Message())
			}
		case 2:
			if job.Failed() || job.Result() != fmt.Sprintf("value-%d", key) {
				t.Fatalf("job %d on live worker: %+v", key, job)
			}
		default:
			t.Fatalf("job %d ran on invalid worker %d", key, job.Worker())
		}
	}
}

func TestExecutorDispatchWriteFailureStagesJobOnce(t *testing.T) {
	testlog.Start(t)

	dead := deadWorker(t, "dead client", 0)
	job1 := NewJob("job1", wire.NewCommand("echo", "a"))
	job2 := NewJob("job2", wire.NewCommand("echo", "b"))
	exec := New(100*time.Millisecond, queueSource(job1, job2))
	if err := exec.AddClient(dead); err != nil {
		t.Fatalf("add client: %v", err)
	}

	for _, want := range []*Job{job1, job2} {
		completed, err := exec.Process()
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if completed != 0 {
			t.Fatalf("dispatch failures are not collected, got %d", completed)
		}
		job := exec.Result()
		if job != want {
			t.Fatalf("expected %v staged, got %v", want.Key(), job)
		}
		if job.State() != JobDone || job.Worker() != 1 || job.Code() != protocol.CodeFileRead || job.Result() != nil {
			t.Fatalf("unexpected failed job %+v", job)
		}
		if extra := exec.Result(); extra != nil {
			t.Fatalf("job staged twice: %v", extra.Key())
		}
		if exec.Done() {
			t.Fatalf("done before the source was drained")
		}
	}

	if _, err := exec.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !exec.Done() {
		t.Fatalf("expected done, got %s", exec)
	}
}
