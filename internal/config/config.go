// Package config loads the daemon's layered configuration: built-in
// defaults, an optional YAML file under the runtime home, and
// environment variable overrides (prefix CCCC_).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Policy holds the per-group automation/delivery defaults (spec.md
// §4.5/§4.6). Groups may override any of these in their group.yaml.
type Policy struct {
	DeliveryMinIntervalSeconds  int `koanf:"delivery_min_interval_seconds"`
	NudgeAfterSeconds           int `koanf:"nudge_after_seconds"`
	ActorIdleTimeoutSeconds     int `koanf:"actor_idle_timeout_seconds"`
	SilenceTimeoutSeconds       int `koanf:"silence_timeout_seconds"`
	SelfCheckEveryHandoffs      int `koanf:"self_check_every_handoffs"`
	SystemRefreshEverySelfCheck int `koanf:"system_refresh_every_self_checks"`
	HelpNudgeMinMessages        int `koanf:"help_nudge_min_messages"`
	KeepaliveMaxPerActor        int `koanf:"keepalive_max_per_actor"`
	KeepaliveDelaySeconds       int `koanf:"keepalive_delay_seconds"`
	PreambleTailCount           int `koanf:"preamble_tail_count"`
}

// Config holds the daemon's runtime configuration.
type Config struct {
	RuntimeHome string `koanf:"runtime_home"` // default ~/.cccc
	Socket      string `koanf:"socket"`       // unix socket path, relative to RuntimeHome/daemon if not absolute
	TCPAddr     string `koanf:"tcp_addr"`     // optional additional loopback/TCP listener, empty disables
	MetricsAddr string `koanf:"metrics_addr"` // ambient /metrics listener, empty disables

	MaxEventBytes        int `koanf:"max_event_bytes"`
	MaxActiveLedgerBytes int `koanf:"max_active_ledger_bytes"`
	CompactionMinIntervalSeconds int `koanf:"compaction_min_interval_seconds"`
	CompactionCheckIntervalSeconds int `koanf:"compaction_check_interval_seconds"`
	CompactionTailKeep   int `koanf:"compaction_tail_keep"`

	Policy Policy `koanf:"policy"`
}

func defaults() map[string]interface{} {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return map[string]interface{}{
		"runtime_home": filepath.Join(home, ".cccc"),
		"socket":       "cccc.sock",
		"tcp_addr":     "",
		"metrics_addr": "",

		"max_event_bytes":                   32 * 1024,
		"max_active_ledger_bytes":           50 * 1024 * 1024,
		"compaction_min_interval_seconds":   300,
		"compaction_check_interval_seconds": 60,
		"compaction_tail_keep":              2000,

		"policy.delivery_min_interval_seconds":    2,
		"policy.nudge_after_seconds":              120,
		"policy.actor_idle_timeout_seconds":       300,
		"policy.silence_timeout_seconds":          600,
		"policy.self_check_every_handoffs":        10,
		"policy.system_refresh_every_self_checks": 5,
		"policy.help_nudge_min_messages":          3,
		"policy.keepalive_max_per_actor":          3,
		"policy.keepalive_delay_seconds":          60,
		"policy.preamble_tail_count":              20,
	}
}

// Load builds the layered configuration: defaults → optional YAML
// file (runtime_home/config.yaml, or an explicit path) → CCCC_*
// environment variables. It validates and creates RuntimeHome before
// returning.
func Load(explicitPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := explicitPath
	if path == "" {
		home := k.String("runtime_home")
		candidate := filepath.Join(home, "config.yaml")
		if _, statErr := os.Stat(candidate); statErr == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CCCC_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CCCC_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and ensures the runtime home
// directory tree exists.
func (c *Config) Validate() error {
	if c.RuntimeHome == "" {
		return fmt.Errorf("runtime_home is required")
	}
	for _, dir := range []string{
		c.RuntimeHome,
		filepath.Join(c.RuntimeHome, "daemon"),
		filepath.Join(c.RuntimeHome, "groups"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if c.MaxEventBytes <= 0 {
		return fmt.Errorf("max_event_bytes must be positive")
	}
	return nil
}

// SocketPath returns the absolute path of the unix domain socket.
func (c *Config) SocketPath() string {
	if filepath.IsAbs(c.Socket) {
		return c.Socket
	}
	return filepath.Join(c.RuntimeHome, "daemon", c.Socket)
}

// AddrDescriptorPath returns the path to the IPC endpoint descriptor
// file (addr.json).
func (c *Config) AddrDescriptorPath() string {
	return filepath.Join(c.RuntimeHome, "daemon", "addr.json")
}

// RegistryPath returns the path to the group registry index.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.RuntimeHome, "registry.json")
}

// GroupDir returns the runtime-home directory for a given group.
func (c *Config) GroupDir(groupID string) string {
	return filepath.Join(c.RuntimeHome, "groups", groupID)
}

// CompactionMinInterval returns CompactionMinIntervalSeconds as a duration.
func (c *Config) CompactionMinInterval() time.Duration {
	return time.Duration(c.CompactionMinIntervalSeconds) * time.Second
}

// CompactionCheckInterval returns CompactionCheckIntervalSeconds as a duration.
func (c *Config) CompactionCheckInterval() time.Duration {
	return time.Duration(c.CompactionCheckIntervalSeconds) * time.Second
}

// Merged returns p with every non-zero field of override applied on
// top, implementing spec.md §3's "per-group settings" as overrides of
// the daemon-wide policy defaults rather than a full second copy.
func (p Policy) Merged(override Policy) Policy {
	out := p
	if override.DeliveryMinIntervalSeconds != 0 {
		out.DeliveryMinIntervalSeconds = override.DeliveryMinIntervalSeconds
	}
	if override.NudgeAfterSeconds != 0 {
		out.NudgeAfterSeconds = override.NudgeAfterSeconds
	}
	if override.ActorIdleTimeoutSeconds != 0 {
		out.ActorIdleTimeoutSeconds = override.ActorIdleTimeoutSeconds
	}
	if override.SilenceTimeoutSeconds != 0 {
		out.SilenceTimeoutSeconds = override.SilenceTimeoutSeconds
	}
	if override.SelfCheckEveryHandoffs != 0 {
		out.SelfCheckEveryHandoffs = override.SelfCheckEveryHandoffs
	}
	if override.SystemRefreshEverySelfCheck != 0 {
		out.SystemRefreshEverySelfCheck = override.SystemRefreshEverySelfCheck
	}
	if override.HelpNudgeMinMessages != 0 {
		out.HelpNudgeMinMessages = override.HelpNudgeMinMessages
	}
	if override.KeepaliveMaxPerActor != 0 {
		out.KeepaliveMaxPerActor = override.KeepaliveMaxPerActor
	}
	if override.KeepaliveDelaySeconds != 0 {
		out.KeepaliveDelaySeconds = override.KeepaliveDelaySeconds
	}
	if override.PreambleTailCount != 0 {
		out.PreambleTailCount = override.PreambleTailCount
	}
	return out
}
