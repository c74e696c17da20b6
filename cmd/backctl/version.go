package main

import (
	"fmt"

	"github.com/danmuck/backctl/internal/protocol"
	"github.com/danmuck/backctl/internal/protocol/wire"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the backctl version and protocol greeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			greeting, err := wire.EncodeGreeting(protocol.Greeting(service))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n", protocol.Brand, protocol.Version, greeting)
			return err
		},
	}
	cmd.Flags().StringVar(&service, "service", protocol.ServiceLocal, "service named in the greeting")
	return cmd
}
