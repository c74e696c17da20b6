package config

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	DefaultExecutable = "backctl"
	DefaultSSHCommand = "ssh"
	DefaultCommand    = "verify"
	MaxProcess        = 999
)

// BackoffConfig shapes the server-side retry interval list.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	Attempts     int
}

// Host is one repository or database host. An empty Host means the
// storage is local.
type Host struct {
	Host              string
	User              string
	Port              int
	Path              string
	Config            string
	ConfigIncludePath string
	ConfigPath        string
	// KeyPath selects the native ssh tunnel; without it the ssh binary is spawned.
	KeyPath                     string
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
}

func (h Host) Remote() bool {
	return strings.TrimSpace(h.Host) != ""
}

// Config is the controller and worker runtime configuration.
type Config struct {
	Stanza          string
	Command         string
	Executable      string
	SSHCommand      string
	ProcessMax      int
	ProtocolTimeout time.Duration
	MultiplexWait   time.Duration
	LogSubprocess   bool
	Retry           BackoffConfig
	Repos           []Host
	Pgs             []Host
}

func Default() Config {
	return Config{
		Stanza:          "main",
		Command:         DefaultCommand,
		Executable:      DefaultExecutable,
		SSHCommand:      DefaultSSHCommand,
		ProcessMax:      2,
		ProtocolTimeout: 30 * time.Minute,
		MultiplexWait:   2 * time.Second,
		Retry: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Attempts:     2,
		},
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Stanza) == "" {
		return fmt.Errorf("config missing stanza")
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return fmt.Errorf("config missing command")
	}
	if strings.TrimSpace(cfg.Executable) == "" {
		return fmt.Errorf("config missing executable")
	}
	if cfg.ProcessMax < 1 || cfg.ProcessMax > MaxProcess {
		return fmt.Errorf("process_max must be between 1 and %d", MaxProcess)
	}
	if cfg.ProtocolTimeout <= 0 {
		return fmt.Errorf("protocol_timeout must be positive")
	}
	if cfg.MultiplexWait <= 0 {
		return fmt.Errorf("multiplex_wait must be positive")
	}
	if cfg.MultiplexWait >= cfg.ProtocolTimeout {
		return fmt.Errorf("multiplex_wait must be less than protocol_timeout")
	}
	if cfg.Retry.Attempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	for i, host := range cfg.Repos {
		if err := ValidateHost(host); err != nil {
			return fmt.Errorf("repo[%d] invalid: %w", i, err)
		}
	}
	for i, host := range cfg.Pgs {
		if err := ValidateHost(host); err != nil {
			return fmt.Errorf("pg[%d] invalid: %w", i, err)
		}
		if strings.TrimSpace(host.Path) == "" {
			return fmt.Errorf("pg[%d] invalid: path is required", i)
		}
	}
	return nil
}

func ValidateHost(host Host) error {
	if host.Port < 0 || host.Port > 65535 {
		return fmt.Errorf("port %d out of range", host.Port)
	}
	if !host.Remote() {
		if host.KeyPath != "" || host.User != "" || host.Port != 0 {
			return fmt.Errorf("ssh settings require host")
		}
	}
	return nil
}

// RetryIntervals expands the backoff settings into the explicit wait list a
// protocol server consumes.
func (c Config) RetryIntervals(rng *rand.Rand) []time.Duration {
	if c.Retry.Attempts <= 0 {
		return nil
	}
	intervals := make([]time.Duration, 0, c.Retry.Attempts)
	for attempt := 1; attempt <= c.Retry.Attempts; attempt++ {
		intervals = append(intervals, c.Retry.Delay(attempt, rng))
	}
	return intervals
}
