// Package config loads the lakitu service configuration: the identity pool,
// file paths, secret references, and dnsmasq projection settings.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pacorain/homelab/lakitu/internal/dnsmasq"
	"github.com/pacorain/homelab/lakitu/internal/domain"
)

// SyncConfig bounds the projection reload retry loop.
type SyncConfig struct {
	Retries      int      `yaml:"retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// DnsmasqConfig is the dnsmasq projection section of the config file.
type DnsmasqConfig struct {
	ConfPath      string   `yaml:"conf_path"`
	ReloadCommand string   `yaml:"reload_command"`
	ReloadTimeout Duration `yaml:"reload_timeout"`
}

// WriterConfig converts the section into the projection writer's config.
func (d DnsmasqConfig) WriterConfig() dnsmasq.Config {
	return dnsmasq.Config{
		ConfPath:      d.ConfPath,
		ReloadCommand: d.ReloadCommand,
		ReloadTimeout: time.Duration(d.ReloadTimeout),
	}
}

// Config holds all configuration for the lakitu service
type Config struct {
	Listen       string `yaml:"listen"`
	StatePath    string `yaml:"state_path"`
	JournalPath  string `yaml:"journal_path"` // empty disables the event journal
	TemplatePath string `yaml:"template_path"`

	// Pool is the fixed, pre-declared identity list. Order matters: the
	// head is the next identity drawn.
	Pool []domain.Identity `yaml:"pool"`

	// Secrets maps template placeholder names to values or op:// references.
	Secrets map[string]string `yaml:"secrets"`

	Dnsmasq DnsmasqConfig `yaml:"dnsmasq"`
	Sync    SyncConfig    `yaml:"sync"`
}

// NewConfig creates a Config with default values
func NewConfig() *Config {
	return &Config{
		Listen:      ":8080",
		StatePath:   "~/lakitu/state.json",
		JournalPath: "~/lakitu/journal.db",
		Sync: SyncConfig{
			Retries:      3,
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(10 * time.Second),
		},
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	cfg.StatePath = ExpandPath(cfg.StatePath)
	cfg.JournalPath = ExpandPath(cfg.JournalPath)
	cfg.TemplatePath = ExpandPath(cfg.TemplatePath)
	cfg.Dnsmasq.ConfPath = ExpandPath(cfg.Dnsmasq.ConfPath)
	return cfg, nil
}

// Validate checks the pool and required paths.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if c.TemplatePath == "" {
		return fmt.Errorf("template_path is required")
	}
	if c.Dnsmasq.ConfPath == "" {
		return fmt.Errorf("dnsmasq.conf_path is required")
	}
	if len(c.Pool) == 0 {
		return fmt.Errorf("pool must declare at least one identity")
	}

	seenAddr := make(map[string]bool)
	seenLabel := make(map[string]bool)
	for i, id := range c.Pool {
		if id.Address == "" || id.Label == "" {
			return fmt.Errorf("pool entry %d: address and label are required", i)
		}
		ip := net.ParseIP(id.Address)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("pool entry %d: invalid IPv4 address %q", i, id.Address)
		}
		if seenAddr[id.Address] {
			return fmt.Errorf("pool entry %d: duplicate address %s", i, id.Address)
		}
		if seenLabel[id.Label] {
			return fmt.Errorf("pool entry %d: duplicate label %s", i, id.Label)
		}
		seenAddr[id.Address] = true
		seenLabel[id.Label] = true
	}
	return nil
}

// ReadTemplate loads the installer config template.
func (c *Config) ReadTemplate() (string, error) {
	data, err := os.ReadFile(c.TemplatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", c.TemplatePath, err)
	}
	return string(data), nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
