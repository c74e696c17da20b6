package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/backctl/internal/config"
	"github.com/danmuck/backctl/internal/workers"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootOptions holds the flags shared by the controller commands and the
// worker invocation built by workers.LocalArgs / RemoteArgs.
type rootOptions struct {
	configFile        string
	configIncludePath string
	configPath        string
	stanza            string
	processMax        int
	execID            string
	process           int
	remoteType        string
	pg                int
	repo              int
	// Workers only log to stderr; console and file levels are accepted and ignored.
	logLevelConsole string
	logLevelFile    string
	logLevelStderr  string
	logSubprocess   bool
	pgPaths         []string
}

func newRootOptions() *rootOptions {
	return &rootOptions{pgPaths: make([]string, workers.MaxPgHosts)}
}

func newRootCommand() *cobra.Command {
	opts := newRootOptions()
	cmd := &cobra.Command{
		Use:           "backctl [flags] <command>:local|remote",
		Short:         "Run backctl workers and parallel verification",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return cmd.Help()
			}
			command, role, ok := strings.Cut(args[0], ":")
			if !ok || command == "" {
				return fmt.Errorf("unknown command %q", args[0])
			}
			return runWorker(cmd, opts, command, role)
		},
	}

	opts.bind(cmd.PersistentFlags())

	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (o *rootOptions) bind(flags *pflag.FlagSet) {
	flags.StringVar(&o.configFile, "config", "", "config file path")
	flags.StringVar(&o.configIncludePath, "config-include-path", "", "config include path")
	flags.StringVar(&o.configPath, "config-path", "", "base path for config files")
	flags.StringVar(&o.stanza, "stanza", "", "stanza name")
	flags.IntVar(&o.processMax, "process-max", 0, "number of parallel workers")
	flags.StringVar(&o.execID, "exec-id", "", "id shared by the workers of one run")
	flags.IntVar(&o.process, "process", 0, "worker process id")
	flags.StringVar(&o.remoteType, "remote-type", "", "storage type served by a worker: repo|pg")
	flags.IntVar(&o.pg, "pg", 0, "pg host index (1-based)")
	flags.IntVar(&o.repo, "repo", 0, "repo host index (1-based)")
	flags.StringVar(&o.logLevelConsole, "log-level-console", "", "console log level")
	flags.StringVar(&o.logLevelFile, "log-level-file", "", "file log level")
	flags.StringVar(&o.logLevelStderr, "log-level-stderr", "", "stderr log level")
	flags.BoolVar(&o.logSubprocess, "log-subprocess", false, "enable worker logging")
	for i := range o.pgPaths {
		flags.StringVar(&o.pgPaths[i], workers.PgPathOption(i+1), "", fmt.Sprintf("pg%d data path", i+1))
	}
}

// load reads the config file (if any) and applies the flags that were set.
func (o *rootOptions) load(flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("stanza") {
		cfg.Stanza = o.stanza
	}
	if flags.Changed("process-max") {
		cfg.ProcessMax = o.processMax
	}
	if flags.Changed("log-subprocess") {
		cfg.LogSubprocess = o.logSubprocess
	}
	for i, path := range o.pgPaths {
		if !flags.Changed(workers.PgPathOption(i + 1)) {
			continue
		}
		for len(cfg.Pgs) <= i {
			cfg.Pgs = append(cfg.Pgs, config.Host{})
		}
		cfg.Pgs[i].Path = path
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (o *rootOptions) workerOptions(cfg config.Config) workers.Options {
	execID := o.execID
	if execID == "" {
		execID = workers.NewExecID()
	}
	return workers.Options{
		Config:            cfg,
		ExecID:            execID,
		Process:           o.process,
		ConfigFile:        o.configFile,
		ConfigIncludePath: o.configIncludePath,
		ConfigPath:        o.configPath,
	}
}
