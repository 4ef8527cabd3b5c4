package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendchain/crypto"
)

// TokenEndpoint describes how to reach an external token contract.
type TokenEndpoint struct {
	Address     string `toml:"Address"`
	RPCURL      string `toml:"RPCURL"`
	BearerToken string `toml:"BearerToken,omitempty"`
}

// LendingConfig carries the parameters the ledger is seeded with on first
// boot. Amounts are decimal strings in the assets' smallest units; the rate
// is 1e18 fixed point.
type LendingConfig struct {
	CollateralToken TokenEndpoint `toml:"CollateralToken"`
	DebtToken       TokenEndpoint `toml:"DebtToken"`
	BaseRate        string        `toml:"BaseRate"`
	MinPrincipal    string        `toml:"MinPrincipal"`
	MaxPrincipal    string        `toml:"MaxPrincipal"`
	VaultAddress    string        `toml:"VaultAddress,omitempty"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint,omitempty"`
	Insecure bool   `toml:"Insecure,omitempty"`
	Metrics  bool   `toml:"Metrics,omitempty"`
	Traces   bool   `toml:"Traces,omitempty"`
}

type Config struct {
	RPCAddress           string          `toml:"RPCAddress"`
	DataDir              string          `toml:"DataDir"`
	OwnerKeystorePath    string          `toml:"OwnerKeystorePath"`
	RPCAuthToken         string          `toml:"RPCAuthToken,omitempty"`
	MaxRequestsPerWindow int             `toml:"MaxRequestsPerWindow,omitempty"`
	Environment          string          `toml:"Environment,omitempty"`
	PausedModules        []string        `toml:"PausedModules,omitempty"`
	Lending              LendingConfig   `toml:"Lending"`
	Telemetry            TelemetryConfig `toml:"Telemetry"`
}

// Load reads the configuration from the given path. A missing file is
// bootstrapped with defaults and a freshly provisioned owner keystore.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(path, cfg)
	return cfg, nil
}

func applyDefaults(configPath string, cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(configPath), "data")
	}
	if strings.TrimSpace(cfg.Lending.BaseRate) == "" {
		// 5% per year.
		cfg.Lending.BaseRate = "50000000000000000"
	}
	if strings.TrimSpace(cfg.Lending.MinPrincipal) == "" {
		cfg.Lending.MinPrincipal = "1"
	}
	if strings.TrimSpace(cfg.Lending.MaxPrincipal) == "" {
		cfg.Lending.MaxPrincipal = "1000000000000000000000000"
	}
}

// ensureKeystore provisions an owner keystore when the configured one is
// missing, then records its path back into the config file.
func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("generate owner key: %w", err)
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return fmt.Errorf("write owner keystore: %w", err)
		}
	} else if err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		if err := save(configPath, cfg); err != nil {
			return err
		}
	}
	return nil
}

// createDefault creates and saves a default configuration file alongside a
// freshly generated owner keystore.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate owner key: %w", err)
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, fmt.Errorf("write owner keystore: %w", err)
	}

	cfg := &Config{OwnerKeystorePath: keystorePath}
	applyDefaults(path, cfg)
	if err := save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, "owner.keystore")
}
