package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "market.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendLevelDB, cfg.StorageBackend)
	require.Equal(t, uint64(31337), cfg.ChainID)
	require.True(t, cfg.Bank.Faucet)

	engine, err := cfg.EngineAddress()
	require.NoError(t, err)
	require.NotEqual(t, [20]byte{}, engine)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.VerifyingContract, reloaded.VerifyingContract)
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
StorageBackend = "bolt"
ChainID = 11155111
VerifyingContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

[logging]
File = "/var/log/marketd.log"

[auth]
Enabled = true
HMACSecret = "0123456789abcdef0123456789abcdef"
Issuer = "market-auth"
Audience = ["marketd"]

[rate_limit]
RequestsPerMinute = 120

[telemetry]
Endpoint = "collector:4318"
Traces = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, BackendBolt, cfg.StorageBackend)
	require.Equal(t, uint64(11155111), cfg.ChainID)
	require.Equal(t, "Marketplace", cfg.DomainName)
	require.Equal(t, "1", cfg.DomainVersion)
	require.Equal(t, "/var/log/marketd.log", cfg.Logging.File)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, []string{"marketd"}, cfg.Auth.Audience)
	require.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, 60, cfg.RateLimit.Burst)
	require.True(t, cfg.Telemetry.Traces)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.toml")
	require.NoError(t, os.WriteFile(path, []byte("VerifyingContract = \"0x5FbDB2315678afecb367f032d93F642f64180aa3\"\nBogus = 1\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "Bogus")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{DataDir: "./data", VerifyingContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"}
		applyDefaults(cfg)
		return cfg
	}
	require.NoError(t, base().Validate())

	cfg := base()
	cfg.StorageBackend = "redis"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.VerifyingContract = "0x0000000000000000000000000000000000000000"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.Enabled = true
	cfg.Auth.HMACSecret = "short"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Telemetry.Metrics = true
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Telemetry.SampleRatio = 1.5
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.StorageBackend = BackendMemory
	cfg.DataDir = ""
	require.NoError(t, cfg.Validate())
}
