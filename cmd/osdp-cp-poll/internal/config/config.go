// Package config loads the YAML configuration for the osdp-cp-poll daemon.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationDryRun
)

type Config struct {
	Bus  BusConfig  `yaml:"bus"`
	Poll PollConfig `yaml:"poll"`
	PDs  []PDConfig `yaml:"pds"`
}

type BusConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	RS485  bool   `yaml:"rs485"`
}

type PollConfig struct {
	ResponseTimeoutMS *int `yaml:"response_timeout_ms"`
	OfflineThreshold  *int `yaml:"offline_threshold"`
}

type PDConfig struct {
	Address     *int   `yaml:"address"`
	SCBKHexFile string `yaml:"scbk_hex_file"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if strings.TrimSpace(c.Bus.Device) == "" {
		return fmt.Errorf("config.bus.device is required")
	}
	switch c.Bus.Baud {
	case 9600, 19200, 38400, 57600, 115200:
	default:
		return fmt.Errorf("config.bus.baud must be one of 9600, 19200, 38400, 57600, 115200")
	}

	if len(c.PDs) == 0 {
		return fmt.Errorf("config.pds must list at least one PD")
	}
	seen := map[int]bool{}
	for i, pd := range c.PDs {
		if pd.Address == nil {
			return fmt.Errorf("config.pds[%d].address is required", i)
		}
		if *pd.Address < 0 || *pd.Address > 0x7F {
			return fmt.Errorf("config.pds[%d].address must be 0..127", i)
		}
		if seen[*pd.Address] {
			return fmt.Errorf("config.pds[%d].address %d is a duplicate", i, *pd.Address)
		}
		seen[*pd.Address] = true
		if pd.SCBKHexFile != "" {
			if err := validateReadableFile(pd.SCBKHexFile, fmt.Sprintf("config.pds[%d].scbk_hex_file", i)); err != nil {
				return err
			}
		}
	}

	if c.Poll.ResponseTimeoutMS != nil && *c.Poll.ResponseTimeoutMS <= 0 {
		return fmt.Errorf("config.poll.response_timeout_ms must be > 0")
	}
	if c.Poll.OfflineThreshold != nil && *c.Poll.OfflineThreshold <= 0 {
		return fmt.Errorf("config.poll.offline_threshold must be > 0")
	}

	if mode == ValidationDryRun {
		return nil
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	for i := range c.PDs {
		c.PDs[i].SCBKHexFile = resolvePath(configDir, c.PDs[i].SCBKHexFile)
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
