package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadValidConfigAndResolveRelativeKeyPath(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "pd0.hex")
	if err := os.WriteFile(keyPath, []byte("00112233445566778899AABBCCDDEEFF\n"), 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfgPath := filepath.Join(tmp, "config.yaml")
	cfgYAML := `
bus:
  device: /dev/ttyUSB0
  baud: 9600
  rs485: true
poll:
  response_timeout_ms: 200
  offline_threshold: 5
pds:
  - address: 0
    scbk_hex_file: pd0.hex
  - address: 1
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Bus.Device != "/dev/ttyUSB0" || cfg.Bus.Baud != 9600 || !cfg.Bus.RS485 {
		t.Fatalf("unexpected bus config: %+v", cfg.Bus)
	}
	if len(cfg.PDs) != 2 {
		t.Fatalf("expected 2 PDs, got %d", len(cfg.PDs))
	}
	if cfg.PDs[0].SCBKHexFile != keyPath {
		t.Fatalf("expected resolved key path %q, got %q", keyPath, cfg.PDs[0].SCBKHexFile)
	}
	if cfg.PDs[1].SCBKHexFile != "" {
		t.Fatalf("expected second PD to have no SCBK, got %q", cfg.PDs[1].SCBKHexFile)
	}
}

func TestLoadRejectsUnsupportedBaud(t *testing.T) {
	cfgPath := writeConfig(t, `
bus:
  device: /dev/ttyUSB0
  baud: 4800
pds:
  - address: 0
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "config.bus.baud") {
		t.Fatalf("expected baud validation error, got %v", err)
	}
}

func TestLoadRejectsDuplicateAddress(t *testing.T) {
	cfgPath := writeConfig(t, `
bus:
  device: /dev/ttyUSB0
  baud: 9600
pds:
  - address: 3
  - address: 3
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate address error, got %v", err)
	}
}

func TestLoadRejectsMissingDevice(t *testing.T) {
	cfgPath := writeConfig(t, `
bus:
  baud: 9600
pds:
  - address: 0
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "config.bus.device") {
		t.Fatalf("expected device required error, got %v", err)
	}
}

func TestLoadRejectsMissingSCBKFile(t *testing.T) {
	cfgPath := writeConfig(t, `
bus:
  device: /dev/ttyUSB0
  baud: 9600
pds:
  - address: 0
    scbk_hex_file: missing.hex
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "scbk_hex_file") {
		t.Fatalf("expected missing key file error, got %v", err)
	}
}

func TestLoadDryRunStillRequiresPDs(t *testing.T) {
	cfgPath := writeConfig(t, `
bus:
  device: /dev/ttyUSB0
  baud: 9600
pds: []
`)
	_, err := LoadWithMode(cfgPath, ValidationDryRun)
	if err == nil || !strings.Contains(err.Error(), "config.pds") {
		t.Fatalf("expected pds required error, got %v", err)
	}
}
