package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileHost struct {
	Host                        string `toml:"host"`
	User                        string `toml:"user,omitempty"`
	Port                        int    `toml:"port,omitempty"`
	Path                        string `toml:"path,omitempty"`
	Config                      string `toml:"config,omitempty"`
	ConfigIncludePath           string `toml:"config_include_path,omitempty"`
	ConfigPath                  string `toml:"config_path,omitempty"`
	KeyPath                     string `toml:"key_path,omitempty"`
	KnownHostsPath              string `toml:"known_hosts_path,omitempty"`
	InsecureSkipHostKeyChecking bool   `toml:"insecure_skip_host_key_checking,omitempty"`
}

type fileRetry struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
	Attempts     int     `toml:"attempts"`
}

type fileConfig struct {
	Stanza          string     `toml:"stanza"`
	Command         string     `toml:"command"`
	Executable      string     `toml:"executable"`
	SSHCommand      string     `toml:"ssh_command"`
	ProcessMax      int        `toml:"process_max"`
	ProtocolTimeout string     `toml:"protocol_timeout"`
	MultiplexWait   string     `toml:"multiplex_wait"`
	LogSubprocess   bool       `toml:"log_subprocess"`
	Retry           fileRetry  `toml:"retry"`
	Repos           []fileHost `toml:"repo"`
	Pgs             []fileHost `toml:"pg"`
}

// Load reads a TOML config over Default. Keys absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("stanza") {
		cfg.Stanza = strings.TrimSpace(raw.Stanza)
	}
	if meta.IsDefined("command") {
		cfg.Command = strings.TrimSpace(raw.Command)
	}
	if meta.IsDefined("executable") {
		cfg.Executable = strings.TrimSpace(raw.Executable)
	}
	if meta.IsDefined("ssh_command") {
		cfg.SSHCommand = strings.TrimSpace(raw.SSHCommand)
	}
	if meta.IsDefined("process_max") {
		cfg.ProcessMax = raw.ProcessMax
	}
	if meta.IsDefined("protocol_timeout") {
		d, err := parseDuration("protocol_timeout", raw.ProtocolTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.ProtocolTimeout = d
	}
	if meta.IsDefined("multiplex_wait") {
		d, err := parseDuration("multiplex_wait", raw.MultiplexWait)
		if err != nil {
			return Config{}, err
		}
		cfg.MultiplexWait = d
	}
	if meta.IsDefined("log_subprocess") {
		cfg.LogSubprocess = raw.LogSubprocess
	}

	if meta.IsDefined("retry", "initial_delay") {
		d, err := parseDuration("retry.initial_delay", raw.Retry.InitialDelay)
		if err != nil {
			return Config{}, err
		}
		cfg.Retry.InitialDelay = d
	}
	if meta.IsDefined("retry", "max_delay") {
		d, err := parseDuration("retry.max_delay", raw.Retry.MaxDelay)
		if err != nil {
			return Config{}, err
		}
		cfg.Retry.MaxDelay = d
	}
	if meta.IsDefined("retry", "multiplier") {
		cfg.Retry.Multiplier = raw.Retry.Multiplier
	}
	if meta.IsDefined("retry", "jitter") {
		cfg.Retry.Jitter = raw.Retry.Jitter
	}
	if meta.IsDefined("retry", "attempts") {
		cfg.Retry.Attempts = raw.Retry.Attempts
	}

	if meta.IsDefined("repo") {
		cfg.Repos = hostsFromFile(raw.Repos)
	}
	if meta.IsDefined("pg") {
		cfg.Pgs = hostsFromFile(raw.Pgs)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault falls back to Default when path is empty or missing.
func LoadOrDefault(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func hostsFromFile(in []fileHost) []Host {
	out := make([]Host, 0, len(in))
	for _, h := range in {
		out = append(out, Host{
			Host:                        strings.TrimSpace(h.Host),
			User:                        strings.TrimSpace(h.User),
			Port:                        h.Port,
			Path:                        strings.TrimSpace(h.Path),
			Config:                      strings.TrimSpace(h.Config),
			ConfigIncludePath:           strings.TrimSpace(h.ConfigIncludePath),
			ConfigPath:                  strings.TrimSpace(h.ConfigPath),
			KeyPath:                     strings.TrimSpace(h.KeyPath),
			KnownHostsPath:              strings.TrimSpace(h.KnownHostsPath),
			InsecureSkipHostKeyChecking: h.InsecureSkipHostKeyChecking,
		})
	}
	return out
}

func hostsToFile(in []Host) []fileHost {
	out := make([]fileHost, 0, len(in))
	for _, h := range in {
		out = append(out, fileHost{
			Host:                        h.Host,
			User:                        h.User,
			Port:                        h.Port,
			Path:                        h.Path,
			Config:                      h.Config,
			ConfigIncludePath:           h.ConfigIncludePath,
			ConfigPath:                  h.ConfigPath,
			KeyPath:                     h.KeyPath,
			KnownHostsPath:              h.KnownHostsPath,
			InsecureSkipHostKeyChecking: h.InsecureSkipHostKeyChecking,
		})
	}
	return out
}
