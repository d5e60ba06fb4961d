package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Sample returns a configuration with one simulated and one serial device
func Sample() Config {
	cfg := Default()
	polls := 100
	cfg.Devices = []DeviceEntry{
		{ID: "sim0", Kind: KindSimulated},
		{
			ID:           "ese0",
			Kind:         "serial",
			Address:      "/dev/ttyUSB0",
			Baud:         115200,
			ReadTimeout:  "1s",
			AddressPolls: &polls,
		},
	}
	return cfg
}

// Template renders cfg as TOML
func Template(cfg Config) (string, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config render failed: %w", err)
	}
	return string(data), nil
}

// WriteTemplate writes the sample configuration to path
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template(Sample())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
