package config

import (
	"os"
	"path/filepath"
	"testing"

	"lendchain/crypto"
)

func TestLoadBootstrapsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":8545" {
		t.Fatalf("unexpected rpc address: %s", cfg.RPCAddress)
	}
	if cfg.Lending.BaseRate == "" || cfg.Lending.MinPrincipal == "" || cfg.Lending.MaxPrincipal == "" {
		t.Fatalf("lending defaults missing: %+v", cfg.Lending)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file should be created: %v", err)
	}
	if _, err := os.Stat(cfg.OwnerKeystorePath); err != nil {
		t.Fatalf("owner keystore should be provisioned: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, ""); err != nil {
		t.Fatalf("provisioned keystore should decrypt: %v", err)
	}
}

func TestLoadExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	raw := `RPCAddress = ":9000"
DataDir = "` + filepath.Join(dir, "state") + `"
RPCAuthToken = "secret"
PausedModules = ["lending"]

[Lending]
BaseRate = "30000000000000000"
MinPrincipal = "100"
MaxPrincipal = "100000"

[Lending.CollateralToken]
Address = "lend1qqqsyqcyq5rqwzqfpg9scrgwpugpzysn3tn9vv"
RPCURL = "http://localhost:9100"

[Lending.DebtToken]
Address = "lend1qqqsyqcyq5rqwzqfpg9scrgwpugpzysn3tn9vv"
RPCURL = "http://localhost:9101"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":9000" || cfg.RPCAuthToken != "secret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Lending.BaseRate != "30000000000000000" {
		t.Fatalf("lending section not decoded: %+v", cfg.Lending)
	}
	if len(cfg.PausedModules) != 1 || cfg.PausedModules[0] != "lending" {
		t.Fatalf("paused modules not decoded: %v", cfg.PausedModules)
	}
	// The keystore path is filled in and the keystore provisioned.
	if cfg.OwnerKeystorePath == "" {
		t.Fatalf("keystore path should be recorded")
	}
	if _, err := os.Stat(cfg.OwnerKeystorePath); err != nil {
		t.Fatalf("keystore should be provisioned: %v", err)
	}

	// A second load keeps the recorded keystore path.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.OwnerKeystorePath != cfg.OwnerKeystorePath {
		t.Fatalf("keystore path changed across loads")
	}
}
