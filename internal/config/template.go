package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Marshal renders cfg in the file layout Load reads.
func Marshal(cfg Config) ([]byte, error) {
	raw := fileConfig{
		Stanza:          cfg.Stanza,
		Command:         cfg.Command,
		Executable:      cfg.Executable,
		SSHCommand:      cfg.SSHCommand,
		ProcessMax:      cfg.ProcessMax,
		ProtocolTimeout: cfg.ProtocolTimeout.String(),
		MultiplexWait:   cfg.MultiplexWait.String(),
		LogSubprocess:   cfg.LogSubprocess,
		Retry: fileRetry{
			InitialDelay: cfg.Retry.InitialDelay.String(),
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay.String(),
			Jitter:       cfg.Retry.Jitter,
			Attempts:     cfg.Retry.Attempts,
		},
		Repos: hostsToFile(cfg.Repos),
		Pgs:   hostsToFile(cfg.Pgs),
	}
	out, err := toml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func WriteTemplate(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	out, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}
