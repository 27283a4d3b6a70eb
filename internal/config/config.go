// Package config centralizes runtime configuration for pdv. It loads a JSON
// file on top of built-in defaults and then applies PDV_* environment
// overrides. A missing or unparsable file falls back to defaults so that
// development runs need no setup. Operators place the file at
// /etc/pdv/config.json or point PDV_CONFIG_FILE elsewhere.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"pdavault.mini/pdv/internal/address"
	"pdavault.mini/pdv/internal/platform/otel"
	"pdavault.mini/pdv/internal/types"
)

const (
	DefaultPath   = "/etc/pdv/config.json"
	PathEnv       = "PDV_CONFIG_FILE"
	DefaultSocket = "unix:///tmp/pdv-abci.sock"
)

// Duration is a time.Duration written as "90s" or "2m" in JSON and env.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config holds configurable options for the pdv daemon.
type Config struct {
	Port            int          `json:"port" env:"PDV_PORT"`
	DBFile          string       `json:"db_file" env:"PDV_DB_FILE"`
	KeyFile         string       `json:"key_file" env:"PDV_KEY_FILE"`
	ProgramID       string       `json:"program_id" env:"PDV_PROGRAM_ID"`
	BootstrapVault  bool         `json:"bootstrap_vault" env:"PDV_BOOTSTRAP_VAULT"`
	ABCIEnabled     bool         `json:"abci_enabled" env:"PDV_ABCI_ENABLED"`
	ABCISocket      string       `json:"abci_socket" env:"PDV_ABCI_SOCKET"`
	FaucetEnabled   bool         `json:"faucet_enabled" env:"PDV_FAUCET_ENABLED"`
	MaxTxAge        Duration     `json:"max_tx_age" env:"PDV_MAX_TX_AGE"`
	MaxBackups      int          `json:"max_backups" env:"PDV_MAX_BACKUPS"`
	ActivityLogSize int          `json:"activity_log_size" env:"PDV_ACTIVITY_LOG_SIZE"`
	Tracing         otel.Options `json:"tracing"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:            8080,
		DBFile:          "pdv.db",
		KeyFile:         "pdv_key.pem",
		ABCISocket:      DefaultSocket,
		MaxTxAge:        Duration{2 * time.Minute},
		MaxBackups:      20,
		ActivityLogSize: 200,
	}
}

// ProgramKey resolves ProgramID, falling back to the default program.
func (c *Config) ProgramKey() (types.Pubkey, error) {
	if c.ProgramID == "" {
		return address.DefaultProgramID, nil
	}
	pk, err := types.ParsePubkey(c.ProgramID)
	if err != nil {
		return types.Pubkey{}, fmt.Errorf("program_id: %w", err)
	}
	return pk, nil
}

var cfg *Config

// Load reads the JSON file at path over the defaults and applies environment
// overrides. Only a malformed environment value is an error.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if jsonErr := json.Unmarshal(b, c); jsonErr != nil {
				log.Printf("WARN: Ignoring malformed config %s: %v", path, jsonErr)
				c = Defaults()
			}
		case !os.IsNotExist(err):
			log.Printf("WARN: Cannot read config %s: %v", path, err)
		}
	}

	if err := ParseEnv(c); err != nil {
		return nil, err
	}
	if _, err := c.ProgramKey(); err != nil {
		return nil, err
	}

	cfg = c
	return cfg, nil
}

// LoadDefault loads from PDV_CONFIG_FILE or DefaultPath.
func LoadDefault() (*Config, error) {
	path := os.Getenv(PathEnv)
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// ParseEnv applies environment variables to target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Get returns the loaded configuration, or defaults when Load has not run.
func Get() *Config {
	if cfg == nil {
		cfg = Defaults()
	}
	return cfg
}
