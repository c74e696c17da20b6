package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/backctl/internal/handlers"
	"github.com/danmuck/backctl/internal/logging"
	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/transport"
	"github.com/danmuck/backctl/internal/workers"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runWorker serves the protocol on stdio until the controller sends exit
// or the channel fails.
func runWorker(cmd *cobra.Command, opts *rootOptions, command, role string) error {
	var service string
	switch role {
	case workers.RoleLocal:
		service = protocol.ServiceLocal
	case workers.RoleRemote:
		service = protocol.ServiceRemote
	default:
		return fmt.Errorf("invalid command role '%s'", role)
	}
	if opts.remoteType != "" {
		if _, err := workers.ParseStorageType(opts.remoteType); err != nil {
			return err
		}
	}

	if level, ok := logging.ParseLevel(opts.logLevelStderr); ok {
		logging.Apply(logging.Config{Level: level, Timestamp: true, NoColor: true})
	}

	cfg, err := opts.load(cmd.Flags())
	if err != nil {
		return err
	}
	reg, err := handlers.Registry()
	if err != nil {
		return err
	}
	pipe, err := transport.Stdio(cfg.ProtocolTimeout)
	if err != nil {
		return err
	}
	defer pipe.Close()

	name := fmt.Sprintf("%s-%d %s server", role, opts.process, command)
	srv, err := protocol.NewServer(name, service, pipe.Reader(), pipe.Writer())
	if err != nil {
		return err
	}
	log.Debug().Str("server", name).Str("exec_id", opts.execID).Str("remote_type", opts.remoteType).
		Int("pg", opts.pg).Int("repo", opts.repo).
		Msg("backctl.worker start")

	retry := cfg.RetryIntervals(rand.New(rand.NewSource(time.Now().UnixNano())))
	return srv.Process(cmd.Context(), reg, retry)
}
