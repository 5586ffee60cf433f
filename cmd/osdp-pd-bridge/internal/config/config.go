// Package config loads the YAML configuration for the osdp-pd-bridge
// simulator.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationDryRun
)

type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Reader   ReaderConfig   `yaml:"reader"`
	PD       PDConfig       `yaml:"pd"`
	Identity IdentityConfig `yaml:"identity"`
}

type BusConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	RS485  bool   `yaml:"rs485"`
}

type ReaderConfig struct {
	Index  *int `yaml:"index"`
	PollMS *int `yaml:"poll_ms"`
}

type PDConfig struct {
	Address     *int   `yaml:"address"`
	SCBKHexFile string `yaml:"scbk_hex_file"`
}

type IdentityConfig struct {
	VendorCode string `yaml:"vendor_code"` // 3 hex bytes, e.g. "A1B2C3"
	Model      string `yaml:"model"`       // 1 hex byte
	Version    string `yaml:"version"`     // 1 hex byte
	Serial     string `yaml:"serial"`      // 4 hex bytes
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

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if strings.TrimSpace(c.Bus.Device) == "" {
		return fmt.Errorf("config.bus.device is required")
	}
	switch c.Bus.Baud {
	case 9600, 19200, 38400, 57600, 115200:
	default:
		return fmt.Errorf("config.bus.baud must be one of 9600, 19200, 38400, 57600, 115200")
	}

	if c.PD.Address == nil {
		return fmt.Errorf("config.pd.address is required")
	}
	if *c.PD.Address < 0 || *c.PD.Address > 0x7F {
		return fmt.Errorf("config.pd.address must be 0..127")
	}
	if c.PD.SCBKHexFile != "" {
		if err := validateReadableFile(c.PD.SCBKHexFile, "config.pd.scbk_hex_file"); err != nil {
			return err
		}
	}

	if mode == ValidationDryRun {
		return c.validateIdentity()
	}

	if c.Reader.Index == nil {
		return fmt.Errorf("config.reader.index is required")
	}
	if *c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}

	return c.validateIdentity()
}

func (c *Config) validateIdentity() error {
	if err := validateHexLen(c.Identity.VendorCode, 3, "config.identity.vendor_code"); err != nil {
		return err
	}
	if err := validateHexLen(c.Identity.Model, 1, "config.identity.model"); err != nil {
		return err
	}
	if err := validateHexLen(c.Identity.Version, 1, "config.identity.version"); err != nil {
		return err
	}
	if err := validateHexLen(c.Identity.Serial, 4, "config.identity.serial"); err != nil {
		return err
	}
	return nil
}

func validateHexLen(s string, numBytes int, field string) error {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) != numBytes*2 {
		return fmt.Errorf("%s must be %d hex bytes (%d chars), got %q", field, numBytes, numBytes*2, s)
	}
	if _, err := strconv.ParseUint(trimmed, 16, numBytes*8); err != nil {
		return fmt.Errorf("%s is not valid hex: %w", field, err)
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.PD.SCBKHexFile = resolvePath(configDir, c.PD.SCBKHexFile)
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
