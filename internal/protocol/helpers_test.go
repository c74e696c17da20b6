package protocol

import (
	"os"
	"testing"
	"time"

	"github.com/danmuck/backctl/internal/protocol/transport"
)

const testTimeout = 2 * time.Second

// rawPeer is the far end of a channel driven line by line from a test.
type rawPeer struct {
	t      *testing.T
	reader *transport.FileReader
	writer *transport.FileWriter
}

func (p *rawPeer) send(lines ...string) {
	p.t.Helper()
	for _, line := range lines {
		if err := p.writer.WriteLine(line); err != nil {
			p.t.Fatalf("peer write %q: %v", line, err)
		}
	}
	if err := p.writer.Flush(); err != nil {
		p.t.Fatalf("peer flush: %v", err)
	}
}

func (p *rawPeer) expect(want string) {
	p.t.Helper()
	got, err := p.reader.ReadLine()
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	if got != want {
		p.t.Fatalf("peer read got %q want %q", got, want)
	}
}

func (p *rawPeer) read() string {
	p.t.Helper()
	got, err := p.reader.ReadLine()
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	return got
}

// newChannel returns both ends of a pipe-backed channel.
func newChannel(t *testing.T) (*transport.Pipe, *rawPeer, *transport.Pipe) {
	t.Helper()
	toPeerR, toPeerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	fromPeerR, fromPeerW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	local := transport.NewPipe("local", fromPeerR, toPeerW, testTimeout)
	peerConn := transport.NewPipe("peer", toPeerR, fromPeerW, testTimeout)
	t.Cleanup(func() {
		_ = local.Close()
		_ = peerConn.Close()
	})
	peer := &rawPeer{
		t:      t,
		reader: peerConn.Reader().(*transport.FileReader),
		writer: peerConn.Writer().(*transport.FileWriter),
	}
	return local, peer, peerConn
}

const testGreeting = `{"name":"backctl","service":"test","version":"` + Version + `"}`
