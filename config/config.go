// Package config loads the agent's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/buildinfo"
	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in config.transport
const (
	TransportPCSC      = "pcsc"
	TransportLibNFC    = "libnfc"
	TransportPN532     = "pn532"
	TransportRemote    = "remote"
	TransportSimulator = "simulator"
	TransportAuto      = "auto" // PC/SC reader and phone relay, first tap wins
)

// Default ports for the websocket API and, with TLS, the plain-HTTP CA
// download.
const (
	DefaultPort          = 18081
	DefaultBootstrapPort = 18082
)

type Config struct {
	DebugLogging bool          `yaml:"debug_logging"`
	Transport    string        `yaml:"transport"`
	Device       string        `yaml:"device"`
	KeyHex       string        `yaml:"key_hex"`
	KeyNumber    int           `yaml:"key_number"`
	KeyMode      string        `yaml:"key_mode"`
	AID          string        `yaml:"aid"`
	KeySettings  int           `yaml:"key_settings"`
	NumKeys      int           `yaml:"num_keys"`
	FileID       int           `yaml:"file_id"`
	CommMode     int           `yaml:"comm_mode"`
	AccessRights int           `yaml:"access_rights"`
	Payload      string        `yaml:"payload"`
	Timeout      time.Duration `yaml:"timeout"`
	Server       ServerConfig  `yaml:"server"`
}

type ServerConfig struct {
	Port          int    `yaml:"port"`
	MDNS          bool   `yaml:"mdns"`
	APISecret     string `yaml:"api_secret"`
	TLS           bool   `yaml:"tls"`
	BootstrapPort int    `yaml:"bootstrap_port"`
}

// Default returns the demo application settings.
func Default() *Config {
	return &Config{
		Transport:    TransportPCSC,
		KeyHex:       strings.Repeat("00", 16),
		KeyMode:      nfc.KeyModeLegacy.String(),
		AID:          "STA",
		KeySettings:  0x0F,
		NumKeys:      1,
		FileID:       1,
		CommMode:     0x03,
		AccessRights: 0xEEEE,
		Payload:      "EAL MKK 3 UE",
		Timeout:      nfc.DefaultTimeout,
		Server: ServerConfig{
			Port:          DefaultPort,
			MDNS:          true,
			BootstrapPort: DefaultBootstrapPort,
		},
	}
}

// DefaultPath returns <user config dir>/<app>/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, buildinfo.DirName, "config.yaml"), nil
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(content)
}

// Parse decodes YAML content over the defaults and validates the result.
func Parse(content []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportPCSC, TransportLibNFC, TransportRemote, TransportSimulator, TransportAuto:
	case TransportPN532:
		if strings.TrimSpace(c.Device) == "" {
			return fmt.Errorf("config.device is required for the pn532 transport")
		}
	default:
		return fmt.Errorf("config.transport must be one of pcsc, libnfc, pn532, remote, simulator, auto; got %q", c.Transport)
	}

	if _, err := c.Key(); err != nil {
		return err
	}
	if c.KeyNumber < 0 || c.KeyNumber > 13 {
		return fmt.Errorf("config.key_number must be 0..13")
	}
	if _, err := nfc.ParseKeyMode(c.KeyMode); err != nil {
		return fmt.Errorf("config.key_mode: %w", err)
	}
	if _, err := nfc.AIDFromString(c.AID); err != nil {
		return fmt.Errorf("config.aid: %w", err)
	}
	if err := checkByte("config.key_settings", c.KeySettings); err != nil {
		return err
	}
	if c.NumKeys < 1 || c.NumKeys > 14 {
		return fmt.Errorf("config.num_keys must be 1..14")
	}
	if c.FileID < 0 || c.FileID > 0x1F {
		return fmt.Errorf("config.file_id must be 0..31")
	}
	if err := checkByte("config.comm_mode", c.CommMode); err != nil {
		return err
	}
	if c.AccessRights < 0 || c.AccessRights > 0xFFFF {
		return fmt.Errorf("config.access_rights must be 0..0xFFFF")
	}
	if n := len(nfc.TextToBytes(c.Payload)); n > nfc.MaxPayloadSize {
		return fmt.Errorf("config.payload is %d bytes, limit is %d", n, nfc.MaxPayloadSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config.timeout must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be 1..65535")
	}
	if c.Server.TLS {
		if c.Server.BootstrapPort < 1 || c.Server.BootstrapPort > 65535 {
			return fmt.Errorf("config.server.bootstrap_port must be 1..65535")
		}
		if c.Server.BootstrapPort == c.Server.Port {
			return fmt.Errorf("config.server.bootstrap_port must differ from config.server.port")
		}
	}
	return nil
}

func checkByte(field string, v int) error {
	if v < 0 || v > 0xFF {
		return fmt.Errorf("%s must be 0..255", field)
	}
	return nil
}

// Key decodes KeyHex.
func (c *Config) Key() ([]byte, error) {
	key, err := nfc.HexToBytesStrict(c.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("config.key_hex: %w", err)
	}
	if len(key) != 8 && len(key) != 16 {
		return nil, fmt.Errorf("config.key_hex must be 8 or 16 bytes, got %d", len(key))
	}
	return key, nil
}

// Options converts the configuration into transaction options.
func (c *Config) Options() (nfc.Options, error) {
	key, err := c.Key()
	if err != nil {
		return nfc.Options{}, err
	}
	mode, err := nfc.ParseKeyMode(c.KeyMode)
	if err != nil {
		return nfc.Options{}, err
	}
	aid, err := nfc.AIDFromString(c.AID)
	if err != nil {
		return nfc.Options{}, err
	}
	return nfc.Options{
		Key:          key,
		KeyNo:        byte(c.KeyNumber),
		KeyMode:      mode,
		AID:          aid,
		KeySettings:  byte(c.KeySettings),
		NumKeys:      byte(c.NumKeys),
		FileID:       byte(c.FileID),
		CommMode:     byte(c.CommMode),
		AccessRights: uint16(c.AccessRights),
		Payload:      nfc.TextToBytes(c.Payload),
		Timeout:      c.Timeout,
	}, nil
}
