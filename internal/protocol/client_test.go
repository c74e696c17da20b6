package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/danmuck/backctl/internal/testutil/testlog"
)

func newTestClient(t *testing.T) (*Client, *rawPeer) {
	t.Helper()
	local, peer, _ := newChannel(t)
	peer.send(testGreeting)
	client, err := NewClient("test client", "test", local.Reader(), local.Writer())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, peer
}

func TestNewClientGreetingErrors(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		greeting string
		want     string
		kind     error
	}{
		{"bogus greeting", "expected '{' at 'bogus greeting'", wire.ErrFormat},
		{`{"name":999}`, "greeting key 'name' must be string type", wire.ErrFormat},
		{`{"name":null}`, "unable to find greeting key 'name'", wire.ErrFormat},
		{
			`{"name":"bogus","service":"test","version":"` + Version + `"}`,
			"expected value 'backctl' for greeting key 'name' but got 'bogus'\n" +
				"HINT: is the same version of backctl installed on the local and remote host?",
			ErrProtocol,
		},
		{
			`{"name":"backctl","service":"bogus","version":"` + Version + `"}`,
			"expected value 'test' for greeting key 'service' but got 'bogus'\n" +
				"HINT: is the same version of backctl installed on the local and remote host?",
			ErrProtocol,
		},
		{
			`{"name":"backctl","service":"test","version":"bogus"}`,
			"expected value '" + Version + "' for greeting key 'version' but got 'bogus'\n" +
				"HINT: is the same version of backctl installed on the local and remote host?",
			ErrProtocol,
		},
	}
	for _, tc := range cases {
		local, peer, _ := newChannel(t)
		peer.send(tc.greeting)
		client, err := NewClient("test client", "test", local.Reader(), local.Writer())
		if client != nil {
			t.Fatalf("greeting %q: expected no client", tc.greeting)
		}
		if !errors.Is(err, tc.kind) {
			t.Fatalf("greeting %q: expected %v, got %v", tc.greeting, tc.kind, err)
		}
		if err.Error() != tc.want {
			t.Fatalf("greeting %q:\n got %q\nwant %q", tc.greeting, err.Error(), tc.want)
		}
	}
}

func TestClientNoOp(t *testing.T) {
	testlog.Start(t)
	client, peer := newTestClient(t)

	peer.send(`{}`)
	if err := client.NoOp(); err != nil {
		t.Fatalf("noop: %v", err)
	}
	peer.expect(`{"cmd":"noop"}`)

	peer.send(`{"out":["bogus"]}`)
	err := client.NoOp()
	if !errors.Is(err, ErrFault) {
		t.Fatalf("expected ErrFault, got %v", err)
	}
	if err.Error() != "no output required by command" {
		t.Fatalf("unexpected fault text %q", err.Error())
	}
	peer.expect(`{"cmd":"noop"}`)
}

func TestClientReadOutput(t *testing.T) {
	testlog.Start(t)
	client, peer := newTestClient(t)

	if err := client.WriteCommand(wire.NewCommand("command1", "param1", "param2")); err != nil {
		t.Fatalf("write command: %v", err)
	}
	peer.expect(`{"cmd":"command1","param":["param1","param2"]}`)

	peer.send(`{"out":"value1 LINE\n"}`)
	out, err := client.ReadOutput(true)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if out != "value1 LINE\n" {
		t.Fatalf("unexpected output %#v", out)
	}

	peer.send(`{}`)
	if _, err := client.ReadOutput(true); err == nil || err.Error() != "no output from required command" {
		t.Fatalf("expected missing output fault, got %v", err)
	}

	peer.send(`{}`)
	if out, err := client.ReadOutput(false); err != nil || out != nil {
		t.Fatalf("void output = %v,%v", out, err)
	}

	peer.send("bogus")
	if _, err := client.ReadOutput(false); !errors.Is(err, wire.ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
}

func TestClientRemoteErrors(t *testing.T) {
	testlog.Start(t)
	client, peer := newTestClient(t)

	peer.send(`{"err":25,"out":"sample error message","errStack":"stack data"}`)
	_, err := client.ReadOutput(false)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != CodeAssert || CodeOf(err) != CodeAssert {
		t.Fatalf("unexpected code %d", remote.Code)
	}
	if err.Error() != "raised from test client: sample error message\nstack data" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote")
	}

	peer.send(`{"err":255}`)
	_, err = client.ReadOutput(true)
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != 255 || CodeOf(err) != 255 {
		t.Fatalf("unexpected code %d", remote.Code)
	}
	if remote.Summary() != "raised from test client: no details available" {
		t.Fatalf("unexpected summary %q", remote.Summary())
	}
	if remote.Stack != "no stack trace available" {
		t.Fatalf("unexpected stack %q", remote.Stack)
	}
	if MessageOf(err) != remote.Summary() {
		t.Fatalf("MessageOf must drop the remote stack: %q", MessageOf(err))
	}
}

func TestClientReadLine(t *testing.T) {
	testlog.Start(t)
	client, peer := newTestClient(t)

	peer.send(".OUTPUT", ".", "")
	text, more, err := client.ReadLine()
	if err != nil || !more || text != "OUTPUT" {
		t.Fatalf("read line = %q,%v,%v", text, more, err)
	}
	text, more, err = client.ReadLine()
	if err != nil || more || text != "" {
		t.Fatalf("end of stream = %q,%v,%v", text, more, err)
	}
	if _, _, err := client.ReadLine(); err == nil || err.Error() != "unexpected empty line" {
		t.Fatalf("expected empty line error, got %v", err)
	}

	peer.send(`{"err":39,"out":"very serious error"}`)
	_, _, err = client.ReadLine()
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeProtocol {
		t.Fatalf("expected remote protocol error, got %v", err)
	}

	peer.send(`{}`)
	if _, _, err := client.ReadLine(); err == nil || err.Error() != "expected error but got output" {
		t.Fatalf("expected output error, got %v", err)
	}

	peer.send("~line")
	_, _, err = client.ReadLine()
	if !errors.Is(err, wire.ErrFormat) || err.Error() != "invalid prefix in '~line'" {
		t.Fatalf("expected invalid prefix, got %v", err)
	}
}

func TestClientCloseSendsExit(t *testing.T) {
	testlog.Start(t)
	client, peer := newTestClient(t)

	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	peer.expect(`{"cmd":"exit"}`)
}
