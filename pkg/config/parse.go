package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const nbdFileSuffix = ".nbd"

// ParseFile reads and validates one <ClientAddr>.nbd file.
func ParseFile(path string) (*NbdConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates the JSON body of a .nbd file, per spec.md §4.3's schema.
func Parse(data []byte) (*NbdConfig, error) {
	var cfg NbdConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: invalid json: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// ClientAddrFromFilename extracts the ClientAddr a .nbd file describes from
// its base filename, e.g. "192.168.10.10.nbd" -> "192.168.10.10". It returns
// false for any name not ending in the .nbd suffix.
func ClientAddrFromFilename(name string) (ClientAddr, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, nbdFileSuffix) {
		return "", false
	}
	addr := strings.TrimSuffix(base, nbdFileSuffix)
	if addr == "" {
		return "", false
	}
	return ClientAddr(addr), true
}
