// Package config loads the daemon configuration from TOML
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"avaneesh/ese-go/pkg/channel"
	"avaneesh/ese-go/pkg/ese"
)

// KindSimulated selects the in-process card simulator instead of a bus
const KindSimulated = "sim"

// Config is the daemon configuration
type Config struct {
	Listen      string        `toml:"listen"`
	CorsOrigins []string      `toml:"cors_origins,omitempty"`
	LogLevel    string        `toml:"log_level"`
	LogFormat   string        `toml:"log_format"`
	FrameDebug  bool          `toml:"frame_debug"`
	Devices     []DeviceEntry `toml:"devices"`
}

// DeviceEntry describes one secure element. Optional fields left out of
// the file keep their defaults.
type DeviceEntry struct {
	ID           string `toml:"id"`
	Kind         string `toml:"kind"`
	Address      string `toml:"address,omitempty"`
	Baud         int    `toml:"baud,omitempty"`
	ReadTimeout  string `toml:"read_timeout,omitempty"`
	WriteTimeout string `toml:"write_timeout,omitempty"`
	DialTimeout  string `toml:"dial_timeout,omitempty"`
	Insecure     bool   `toml:"insecure,omitempty"`

	SendAddress    *int `toml:"send_address,omitempty"`
	ReceiveAddress *int `toml:"receive_address,omitempty"`

	FrameRetries    *int `toml:"frame_retries,omitempty"`
	RNACKRetries    *int `toml:"rnack_retries,omitempty"`
	TimeoutRetries  *int `toml:"timeout_retries,omitempty"`
	MaxWTX          *int `toml:"max_wtx,omitempty"`
	AddressPolls    *int `toml:"address_polls,omitempty"`
	MaxResponseSize *int `toml:"max_response_size,omitempty"`
	MaxAgain        *int `toml:"max_again,omitempty"`
}

// Default returns the configuration used when a key is absent
func Default() Config {
	return Config{
		Listen:    "127.0.0.1:7800",
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("frame_debug") {
		cfg.FrameDebug = raw.FrameDebug
	}
	cfg.Devices = raw.Devices

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and every device entry
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config missing listen")
	}
	if _, ok := ese.ParseLogLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, entry := range c.Devices {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("devices[%d] invalid: %w", i, err)
		}
		if seen[entry.ID] {
			return fmt.Errorf("devices[%d] invalid: duplicate id %q", i, entry.ID)
		}
		seen[entry.ID] = true
	}
	return nil
}

// Simulated reports whether the entry selects the card simulator
func (e DeviceEntry) Simulated() bool {
	return strings.EqualFold(strings.TrimSpace(e.Kind), KindSimulated)
}

// Validate checks one device entry
func (e DeviceEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("id is required")
	}
	if !e.Simulated() {
		if _, err := e.ChannelConfig(); err != nil {
			return err
		}
	}
	for name, addr := range map[string]*int{"send_address": e.SendAddress, "receive_address": e.ReceiveAddress} {
		if addr != nil && (*addr < 0 || *addr > 0xFF) {
			return fmt.Errorf("%s 0x%X is not a byte", name, *addr)
		}
	}
	cfg := e.DeviceConfig()
	return cfg.Validate()
}

// ChannelConfig converts the entry into a channel configuration
func (e DeviceEntry) ChannelConfig() (channel.Config, error) {
	kind, err := channel.ParseKind(e.Kind)
	if err != nil {
		return channel.Config{}, err
	}
	address := strings.TrimSpace(e.Address)
	if address == "" {
		return channel.Config{}, channel.ErrAddress
	}

	cfg := channel.DefaultConfig(kind, address)
	if e.Baud > 0 {
		cfg.Baud = e.Baud
	}
	cfg.Insecure = e.Insecure

	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"read_timeout", e.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", e.WriteTimeout, &cfg.WriteTimeout},
		{"dial_timeout", e.DialTimeout, &cfg.DialTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return channel.Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		if parsed < 0 {
			return channel.Config{}, fmt.Errorf("%s must not be negative", d.name)
		}
		*d.field = parsed
	}
	return cfg, nil
}

// DeviceConfig converts the entry into a device configuration
func (e DeviceEntry) DeviceConfig() ese.DeviceConfig {
	cfg := ese.DefaultDeviceConfig()
	if e.SendAddress != nil {
		cfg.SendAddress = byte(*e.SendAddress)
	}
	if e.ReceiveAddress != nil {
		cfg.ReceiveAddress = byte(*e.ReceiveAddress)
	}

	overrides := []struct {
		value *int
		field *int
	}{
		{e.FrameRetries, &cfg.Session.MaxFrameRetries},
		{e.RNACKRetries, &cfg.Session.MaxRNACKRetries},
		{e.TimeoutRetries, &cfg.Session.MaxTimeoutRetries},
		{e.MaxWTX, &cfg.Session.MaxWTX},
		{e.AddressPolls, &cfg.Session.AddressPolls},
		{e.MaxResponseSize, &cfg.Session.MaxResponseSize},
		{e.MaxAgain, &cfg.MaxAgain},
	}
	for _, o := range overrides {
		if o.value != nil {
			*o.field = *o.value
		}
	}
	return cfg
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimRight(strings.TrimSpace(origin), "/")
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
