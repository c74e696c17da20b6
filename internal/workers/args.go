package workers

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/backctl/internal/config"
	"github.com/danmuck/backctl/internal/protocol"
	"github.com/google/uuid"
)

const (
	RoleLocal  = "local"
	RoleRemote = "remote"

	// MaxPgHosts bounds the pgN-path options a worker accepts.
	MaxPgHosts = 8
)

// Options is what a controller knows when it builds worker command lines.
type Options struct {
	Config config.Config
	ExecID string
	// Process is the caller's own process id, forwarded to remotes.
	Process           int
	ConfigFile        string
	ConfigIncludePath string
	ConfigPath        string
}

// NewExecID returns a "<pid>-<random>" id shared by every worker of one run.
func NewExecID() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString()[:8])
}

// PgPathOption is the flag name carrying the path of pg host idx (1-based).
func PgPathOption(idx int) string {
	return fmt.Sprintf("pg%d-path", idx)
}

type optionSet map[string]string

func (o optionSet) set(name, value string) {
	o[name] = value
}

func (o optionSet) flag(name string) {
	o[name] = ""
}

// list renders the options sorted by name, flags without a value.
func (o optionSet) list() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		if value := o[name]; value != "" {
			out = append(out, "--"+name+"="+value)
		} else {
			out = append(out, "--"+name)
		}
	}
	return out
}

func (opts Options) baseOptions() optionSet {
	set := optionSet{}
	set.set("exec-id", opts.ExecID)
	set.set("log-level-console", "off")
	set.set("log-level-stderr", "error")
	if opts.Config.LogSubprocess {
		set.set("log-level-file", "info")
		set.flag("log-subprocess")
	} else {
		set.set("log-level-file", "off")
	}
	set.set("stanza", opts.Config.Stanza)
	return set
}

func (opts Options) host(storageType StorageType, hostIdx int) (config.Host, error) {
	if err := storageType.Validate(); err != nil {
		return config.Host{}, err
	}
	hosts := opts.Config.Repos
	if storageType == StoragePg {
		hosts = opts.Config.Pgs
	}
	if hostIdx < 0 || hostIdx >= len(hosts) {
		if storageType == StorageRepo && hostIdx == 0 && len(hosts) == 0 {
			return config.Host{}, nil
		}
		return config.Host{}, protocol.Errorf(protocol.CodeAssert, "%s host index %d out of range", storageType, hostIdx)
	}
	return hosts[hostIdx], nil
}

// IsLocal reports whether storage host hostIdx lives on this machine.
func (opts Options) IsLocal(storageType StorageType, hostIdx int) (bool, error) {
	host, err := opts.host(storageType, hostIdx)
	if err != nil {
		return false, err
	}
	return !host.Remote(), nil
}

// VerifyLocal fails with CodeHostInvalid unless the storage host is local.
func (opts Options) VerifyLocal(storageType StorageType, hostIdx int) error {
	local, err := opts.IsLocal(storageType, hostIdx)
	if err != nil {
		return err
	}
	if local {
		return nil
	}
	where := "repository"
	if storageType == StoragePg {
		where = "PostgreSQL"
	}
	return protocol.Errorf(protocol.CodeHostInvalid, "%s command must be run on the %s host", opts.Config.Command, where)
}

// LocalArgs builds the argument list for a local worker process.
func LocalArgs(opts Options, storageType StorageType, hostIdx, processID int) ([]string, error) {
	if _, err := opts.host(storageType, hostIdx); err != nil {
		return nil, err
	}
	set := opts.baseOptions()
	if opts.ConfigFile != "" {
		set.set("config", opts.ConfigFile)
	}
	if opts.ConfigIncludePath != "" {
		set.set("config-include-path", opts.ConfigIncludePath)
	}
	if opts.ConfigPath != "" {
		set.set("config-path", opts.ConfigPath)
	}
	for i, pg := range opts.Config.Pgs {
		if pg.Path != "" {
			set.set(PgPathOption(i+1), pg.Path)
		}
	}
	if storageType == StoragePg {
		set.set("pg", strconv.Itoa(hostIdx+1))
	} else if hostIdx > 0 {
		set.set("repo", strconv.Itoa(hostIdx+1))
	}
	set.set("process", strconv.Itoa(processID))
	set.set("remote-type", storageType.String())

	return append(set.list(), opts.Config.Command+":"+RoleLocal), nil
}

// RemoteArgs builds the ssh argument list for a remote worker. The final
// element is the command line run on the remote host.
func RemoteArgs(opts Options, storageType StorageType, hostIdx int) ([]string, error) {
	host, err := opts.host(storageType, hostIdx)
	if err != nil {
		return nil, err
	}
	if !host.Remote() {
		return nil, protocol.Errorf(protocol.CodeAssert, "%s host %d is not remote", storageType, hostIdx+1)
	}

	set := opts.baseOptions()
	// Local config locations never apply on the remote host.
	if host.Config != "" {
		set.set("config", host.Config)
	}
	if host.ConfigIncludePath != "" {
		set.set("config-include-path", host.ConfigIncludePath)
	}
	if host.ConfigPath != "" {
		set.set("config-path", host.ConfigPath)
	}
	if storageType == StoragePg {
		if host.Path != "" {
			set.set(PgPathOption(1), host.Path)
		}
	} else {
		for i, pg := range opts.Config.Pgs {
			if pg.Path != "" {
				set.set(PgPathOption(i+1), pg.Path)
			}
		}
		set.set("repo", strconv.Itoa(hostIdx+1))
	}
	set.set("process", strconv.Itoa(opts.Process))
	set.set("remote-type", storageType.String())

	user := host.User
	if user == "" {
		user = storageType.DefaultUser()
	}

	args := []string{"-o", "LogLevel=error", "-o", "Compression=no", "-o", "PasswordAuthentication=no"}
	if host.Port != 0 {
		args = append(args, "-p", strconv.Itoa(host.Port))
	}
	remote := append([]string{opts.Config.Executable}, set.list()...)
	remote = append(remote, opts.Config.Command+":"+RoleRemote)
	return append(args, user+"@"+host.Host, strings.Join(remote, " ")), nil
}
