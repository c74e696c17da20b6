package workers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/backctl/internal/config"
	"github.com/danmuck/backctl/internal/protocol/transport"
)

// Target is one worker launch request.
type Target struct {
	Name   string
	Remote bool
	Host   config.Host
	Path   string
	Args   []string
}

// Starter launches a worker and returns its channel.
type Starter interface {
	Start(ctx context.Context, target Target) (transport.Conn, error)
}

// ExecStarter spawns local workers with os/exec. Remote workers run over
// the native ssh tunnel when the host names a key, otherwise through the
// ssh binary.
type ExecStarter struct {
	Timeout time.Duration
}

func (s ExecStarter) Start(ctx context.Context, target Target) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if target.Remote && target.Host.KeyPath != "" && len(target.Args) > 0 {
		cfg := transport.TunnelConfig{
			Host:                        target.Host.Host,
			User:                        sshUser(target.Args),
			KeyPath:                     target.Host.KeyPath,
			KnownHostsPath:              target.Host.KnownHostsPath,
			InsecureSkipHostKeyChecking: target.Host.InsecureSkipHostKeyChecking,
		}
		if target.Host.Port != 0 {
			cfg.Port = strconv.Itoa(target.Host.Port)
		}
		if deadline, ok := ctx.Deadline(); ok {
			cfg.DialTimeout = time.Until(deadline)
		}
		return transport.DialTunnel(target.Name, cfg, target.Args[len(target.Args)-1], s.Timeout)
	}
	return transport.Spawn(target.Name, s.Timeout, target.Path, target.Args...)
}

// sshUser pulls the login out of the user@host argument.
func sshUser(args []string) string {
	if len(args) < 2 {
		return ""
	}
	user, _, ok := strings.Cut(args[len(args)-2], "@")
	if !ok {
		return ""
	}
	return user
}
