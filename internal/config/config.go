// Package config loads and validates the scheduler's configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// SchedulerConfig controls the producer/consumer pipeline.
type SchedulerConfig struct {
	LogPath            string `toml:"log_path"`
	DryRun             bool   `toml:"dry_run"`
	MaxThreads         int    `toml:"max_threads"`
	MaxRetriesTestcase int    `toml:"max_retries_testcase"`
	MaxRetriesResource int    `toml:"max_retries_resource"`
}

// TestConfig is the nested [executor.test] section: everything the
// Config Provisioner needs to materialize one sandbox's input directory.
type TestConfig struct {
	IdentityFile string   `toml:"identity_file"`
	SSHKeypair   string   `toml:"ssh_keypair"`
	ImageName    string   `toml:"image_name"`
	DDHID        string   `toml:"ddh_id,omitempty"`
	Provider     string   `toml:"provider"`
	Testcases    []string `toml:"testcases"`
}

// ExecutorConfig controls zone resolution, sandbox runtime, and the test
// configuration fed to the provisioner.
type ExecutorConfig struct {
	ContainerImage     string     `toml:"container_image"`
	ContainerPath      string     `toml:"container_path"`
	ContainerPoolName  string     `toml:"container_pool_name"`
	ContainerPoolSize  int        `toml:"container_pool_size"`
	Zone               string     `toml:"zone,omitempty"`
	EnabledRegions     []string   `toml:"enabled_regions"`
	ReservedLabel      string     `toml:"reserved_label"`
	DistributionFile   string     `toml:"distribution_file"`
	DistributionHelper string     `toml:"distribution_helper"`
	Test               TestConfig `toml:"test"`
}

// Config is the root configuration document.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Executor  ExecutorConfig  `toml:"executor"`
}

// DefaultConfig returns conservative defaults suitable for a dry-run.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			LogPath:            "logs",
			DryRun:             true,
			MaxThreads:         4,
			MaxRetriesTestcase: 2,
			MaxRetriesResource: 3,
		},
		Executor: ExecutorConfig{
			ContainerImage:     "avocado-cloud-sandbox:latest",
			ContainerPath:      "pool",
			ContainerPoolName:  "ac",
			ContainerPoolSize:  8,
			EnabledRegions:     []string{"*"},
			ReservedLabel:      "avocado",
			DistributionFile:   "distribution.csv",
			DistributionHelper: "gen-distribution",
			Test: TestConfig{
				Provider: "alibaba",
			},
		},
	}
}

// Load reads a TOML configuration file, falling back to defaults for any
// file that does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration back to disk as TOML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets an operator override the zone and dry-run flag
// without editing the file, matching the teacher's env-override pattern.
func applyEnvOverrides(c *Config) {
	if zone := os.Getenv("FLAVORSCHED_ZONE"); zone != "" {
		c.Executor.Zone = zone
	}
	if dry := os.Getenv("FLAVORSCHED_DRY_RUN"); dry != "" {
		c.Scheduler.DryRun = dry == "1" || strings.EqualFold(dry, "true")
	}
}

// Validate checks the configuration for the errors the system must abort
// on at startup rather than discover mid-run.
func (c *Config) Validate() error {
	if c.Scheduler.MaxThreads <= 0 {
		return fmt.Errorf("scheduler.max_threads must be positive")
	}
	if c.Scheduler.MaxRetriesTestcase < 0 || c.Scheduler.MaxRetriesResource < 0 {
		return fmt.Errorf("retry budgets must be non-negative")
	}
	if c.Executor.ContainerPoolSize <= 0 {
		return fmt.Errorf("executor.container_pool_size must be positive")
	}
	if !c.Scheduler.DryRun {
		if c.Executor.Test.IdentityFile == "" {
			return fmt.Errorf("executor.test.identity_file is required")
		}
		if !strings.HasSuffix(c.Executor.Test.IdentityFile, ".pem") {
			return fmt.Errorf("executor.test.identity_file must end in .pem")
		}
		if _, err := os.Stat(c.Executor.Test.IdentityFile); err != nil {
			return fmt.Errorf("executor.test.identity_file unreadable: %w", err)
		}
	}
	return nil
}
