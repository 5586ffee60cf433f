// Package config loads the YAML configuration for the osdp-keyset
// provisioning tool.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationDryRun
)

type Config struct {
	Bus BusConfig `yaml:"bus"`
	PDs []int     `yaml:"pds"`
}

type BusConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	RS485  bool   `yaml:"rs485"`
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
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
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
		return fmt.Errorf("config.pds must list at least one PD address")
	}
	seen := map[int]bool{}
	for i, addr := range c.PDs {
		if addr < 0 || addr > 0x7F {
			return fmt.Errorf("config.pds[%d] must be 0..127", i)
		}
		if seen[addr] {
			return fmt.Errorf("config.pds[%d] address %d is a duplicate", i, addr)
		}
		seen[addr] = true
	}
	return nil
}
