package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"

	"github.com/plantopo/mapsync/mapsync"
)

const DefaultConfigPath = "~/.mapsync/syncctl.yml"
const DefaultOutboxPath = "~/.mapsync/outbox.db"

// Config is read from the yaml file. Flags override file values.
type Config struct {
	Url    string `yaml:"url"`
	Token  string `yaml:"token"`
	Outbox string `yaml:"outbox"`
	// durations in `time.ParseDuration` form
	Heartbeat      string `yaml:"heartbeat"`
	ConnectSuccess string `yaml:"connect_success"`
	ConfirmTimeout string `yaml:"confirm_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Outbox:         DefaultOutboxPath,
		ConfirmTimeout: "30s",
	}
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// LoadConfig reads `path` over the defaults. A missing file at the default path is not an error.
func LoadConfig(path string, required bool) (*Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) && !required {
			return config, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func (self *Config) applyOpts(opts docopt.Opts) {
	if url, err := opts.String("--url"); err == nil && url != "" {
		self.Url = url
	}
	if token, err := opts.String("--token"); err == nil && token != "" {
		self.Token = token
	}
	if outbox, err := opts.String("--outbox"); err == nil && outbox != "" {
		self.Outbox = outbox
	}
}

func (self *Config) OutboxPath() string {
	return expandHome(self.Outbox)
}

func (self *Config) SyncClientSettings() (*mapsync.SyncClientSettings, error) {
	settings := mapsync.DefaultSyncClientSettings()
	if self.Heartbeat != "" {
		heartbeat, err := time.ParseDuration(self.Heartbeat)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
		settings.HeartbeatInterval = heartbeat
	}
	if self.ConnectSuccess != "" {
		connectSuccess, err := time.ParseDuration(self.ConnectSuccess)
		if err != nil {
			return nil, fmt.Errorf("connect_success: %w", err)
		}
		settings.ConnectSuccessTimeout = connectSuccess
	}
	return settings, nil
}

func (self *Config) ConfirmTimeoutDuration() time.Duration {
	if timeout, err := time.ParseDuration(self.ConfirmTimeout); err == nil {
		return timeout
	}
	return 30 * time.Second
}

// ParseValue reads a command line property value as yaml,
// so `true`, `0.5`, `[1, 2]` and `{a: b}` keep their types
func ParseValue(valueStr string) (any, error) {
	var value any
	if err := yaml.Unmarshal([]byte(valueStr), &value); err != nil {
		return nil, err
	}
	return normalizeYaml(value), nil
}

// yaml maps may decode with non string keys
func normalizeYaml(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeYaml(item)
		}
		return v
	case map[any]any:
		m := map[string]any{}
		for key, item := range v {
			m[fmt.Sprintf("%v", key)] = normalizeYaml(item)
		}
		return m
	case []any:
		for i, item := range v {
			v[i] = normalizeYaml(item)
		}
		return v
	default:
		return v
	}
}
