package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/agustin125/securitize-smart-contracts/crypto"
)

type Config struct {
	ListenAddress     string   `toml:"ListenAddress"`
	DataDir           string   `toml:"DataDir"`
	StorageBackend    string   `toml:"StorageBackend"`
	Environment       string   `toml:"Environment"`
	ChainID           uint64   `toml:"ChainID"`
	DomainName        string   `toml:"DomainName"`
	DomainVersion     string   `toml:"DomainVersion"`
	VerifyingContract string   `toml:"VerifyingContract"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`

	Logging   LoggingConfig   `toml:"logging"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Bank      BankConfig      `toml:"bank"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults and a freshly generated engine identity.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown field %s", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = BackendLevelDB
	}
	if strings.TrimSpace(cfg.DomainName) == "" {
		cfg.DomainName = "Marketplace"
	}
	if strings.TrimSpace(cfg.DomainVersion) == "" {
		cfg.DomainVersion = "1"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 60
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{}
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
	if cfg.Telemetry.ExportIntervalSeconds == 0 {
		cfg.Telemetry.ExportIntervalSeconds = 15
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:     ":8080",
		DataDir:           "./market-data",
		StorageBackend:    BackendLevelDB,
		Environment:       "local",
		ChainID:           31337,
		DomainName:        "Marketplace",
		DomainVersion:     "1",
		VerifyingContract: key.Address().Hex(),
		AllowedOrigins:    []string{},
		Bank:              BankConfig{Faucet: true},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// EngineAddress parses VerifyingContract, the identity the engine acts as when
// pulling approved assets and holding settlement funds.
func (c *Config) EngineAddress() ([20]byte, error) {
	addr, err := crypto.ParseAddress(c.VerifyingContract)
	if err != nil {
		return [20]byte{}, fmt.Errorf("VerifyingContract: %w", err)
	}
	return addr.Raw(), nil
}
