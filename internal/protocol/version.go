package protocol

import "github.com/danmuck/backctl/internal/protocol/wire"

const (
	Brand   = "backctl"
	Version = "0.9.0"

	ServiceLocal  = "local"
	ServiceRemote = "remote"
)

// Greeting returns the handshake a server for service writes first.
func Greeting(service string) wire.Greeting {
	return wire.Greeting{Name: Brand, Service: service, Version: Version}
}

// checkGreeting compares every field exactly; there is no negotiation.
func checkGreeting(got wire.Greeting, service string) error {
	want := Greeting(service)
	for _, field := range []struct {
		key      string
		expected string
		actual   string
	}{
		{wire.KeyName, want.Name, got.Name},
		{wire.KeyService, want.Service, got.Service},
		{wire.KeyVersion, want.Version, got.Version},
	} {
		if field.expected != field.actual {
			return Errorf(CodeProtocol,
				"expected value '%s' for greeting key '%s' but got '%s'\n"+
					"HINT: is the same version of %s installed on the local and remote host?",
				field.expected, field.key, field.actual, Brand)
		}
	}
	return nil
}
